// Package model defines shared data structures for the scan worker.
package model

import "time"

// ScanStatus values mirror the scan_task_status column.
type ScanStatus string

const (
	ScanPending    ScanStatus = "PENDING"
	ScanProcessing ScanStatus = "PROCESSING"
	ScanCompleted  ScanStatus = "COMPLETED"
	ScanFailed     ScanStatus = "FAILED"
)

// EnrichmentStatus tracks how far the pipeline got for one posting.
type EnrichmentStatus string

const (
	EnrichmentURLExtracted     EnrichmentStatus = "URL_EXTRACTED"
	EnrichmentDetailsExtracted EnrichmentStatus = "DETAILS_EXTRACTED"
	EnrichmentFailed           EnrichmentStatus = "FAILED"
)

// DefaultMaxRetries is applied when a task is enqueued without an explicit budget.
const DefaultMaxRetries = 3

// JobStatusNew is the domain status every freshly discovered posting starts at.
// Later values (ANALYZED, APPROVED, …) are owned by other services.
const JobStatusNew = "NEW"

// ScanTask is one "scan this URL for this user" request.
type ScanTask struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Source       string     `json:"source"`
	URL          string     `json:"url"`
	Status       ScanStatus `json:"status"`
	RetryCount   int        `json:"retryCount"`
	MaxRetries   int        `json:"maxRetries"`
	WorkerID     *string    `json:"workerId"`
	JobsFound    int        `json:"jobsFound"`
	JobsSaved    int        `json:"jobsSaved"`
	ErrorMessage *string    `json:"errorMessage"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// NewScanTask carries the fields the enqueuing side controls. A nil
// MaxRetries selects DefaultMaxRetries; an explicit 0 allows a single attempt.
type NewScanTask struct {
	UserID     string
	Source     string
	URL        string
	MaxRetries *int
}

// JobStub is a minimally identified posting returned by a listing scan.
type JobStub struct {
	URL              string `json:"url" mapstructure:"url"`
	Title            string `json:"title,omitempty" mapstructure:"title"`
	Company          string `json:"company,omitempty" mapstructure:"company"`
	Location         string `json:"location,omitempty" mapstructure:"location"`
	ShortDescription string `json:"shortDescription,omitempty" mapstructure:"short_description"`
	ExternalRef      string `json:"externalRef,omitempty" mapstructure:"external_ref"`
	PostedDate       string `json:"postedDate,omitempty" mapstructure:"posted_date"`
}

// JobDetail holds the fields produced by detail enrichment.
// A nil field means "not extracted" and must not overwrite stored data.
type JobDetail struct {
	Title            *string  `json:"title,omitempty" mapstructure:"title"`
	Company          *string  `json:"company,omitempty" mapstructure:"company"`
	Location         *string  `json:"location,omitempty" mapstructure:"location"`
	FullDescription  *string  `json:"fullDescription,omitempty" mapstructure:"full_description"`
	ContactName      *string  `json:"contactName,omitempty" mapstructure:"contact_name"`
	ContactEmail     *string  `json:"contactEmail,omitempty" mapstructure:"contact_email"`
	ContactPhone     *string  `json:"contactPhone,omitempty" mapstructure:"contact_phone"`
	Address          *string  `json:"address,omitempty" mapstructure:"address"`
	City             *string  `json:"city,omitempty" mapstructure:"city"`
	PostalCode       *string  `json:"postalCode,omitempty" mapstructure:"postal_code"`
	County           *string  `json:"county,omitempty" mapstructure:"county"`
	EmploymentType   *string  `json:"employmentType,omitempty" mapstructure:"employment_type"`
	Extent           *string  `json:"extent,omitempty" mapstructure:"extent"`
	SalaryRange      *string  `json:"salaryRange,omitempty" mapstructure:"salary_range"`
	StartDate        *string  `json:"startDate,omitempty" mapstructure:"start_date"`
	Deadline         *string  `json:"deadline,omitempty" mapstructure:"deadline"`
	Requirements     []string `json:"requirements,omitempty" mapstructure:"requirements"`
	Responsibilities []string `json:"responsibilities,omitempty" mapstructure:"responsibilities"`
	Benefits         []string `json:"benefits,omitempty" mapstructure:"benefits"`
	ApplicationURL   *string  `json:"applicationUrl,omitempty" mapstructure:"application_url"`
}

// IsEmpty reports whether no detail field was extracted.
func (d *JobDetail) IsEmpty() bool {
	if d == nil {
		return true
	}
	for _, p := range []*string{
		d.Title, d.Company, d.Location, d.FullDescription,
		d.ContactName, d.ContactEmail, d.ContactPhone,
		d.Address, d.City, d.PostalCode, d.County,
		d.EmploymentType, d.Extent, d.SalaryRange, d.StartDate, d.Deadline,
		d.ApplicationURL,
	} {
		if p != nil {
			return false
		}
	}
	return len(d.Requirements) == 0 && len(d.Responsibilities) == 0 && len(d.Benefits) == 0
}

// JobRecord is one discovered posting, unique per (UserID, URL).
type JobRecord struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	URL        string `json:"url"`
	ScanTaskID string `json:"scanTaskId"`
	Source     string `json:"source"`

	Title            string `json:"title"`
	Company          string `json:"company"`
	Location         string `json:"location"`
	ShortDescription string `json:"shortDescription"`
	PostedDate       string `json:"postedDate"`
	ExternalRef      string `json:"externalRef"`

	FullDescription  *string  `json:"fullDescription"`
	ContactName      *string  `json:"contactName"`
	ContactEmail     *string  `json:"contactEmail"`
	ContactPhone     *string  `json:"contactPhone"`
	Address          *string  `json:"address"`
	City             *string  `json:"city"`
	PostalCode       *string  `json:"postalCode"`
	County           *string  `json:"county"`
	EmploymentType   *string  `json:"employmentType"`
	Extent           *string  `json:"extent"`
	SalaryRange      *string  `json:"salaryRange"`
	StartDate        *string  `json:"startDate"`
	Deadline         *string  `json:"deadline"`
	Requirements     []string `json:"requirements"`
	Responsibilities []string `json:"responsibilities"`
	Benefits         []string `json:"benefits"`
	ApplicationURL   *string  `json:"applicationUrl"`

	EnrichmentStatus EnrichmentStatus `json:"enrichmentStatus"`
	IsProcessed      bool             `json:"isProcessed"`
	ScrapedAt        time.Time        `json:"scrapedAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`

	Status         string `json:"status"`
	RelevanceScore int    `json:"relevanceScore"`
}

// StubRecord builds the Stage 1 row for a stub discovered by task.
func StubRecord(task ScanTask, stub JobStub) JobRecord {
	return JobRecord{
		UserID:           task.UserID,
		URL:              stub.URL,
		ScanTaskID:       task.ID,
		Source:           task.Source,
		Title:            stub.Title,
		Company:          stub.Company,
		Location:         stub.Location,
		ShortDescription: stub.ShortDescription,
		PostedDate:       stub.PostedDate,
		ExternalRef:      stub.ExternalRef,
		EnrichmentStatus: EnrichmentURLExtracted,
		Status:           JobStatusNew,
	}
}
