package pipeline

import (
	"strings"

	"jobmate/scan-worker/internal/model"
)

// ContainsRedFlag returns true if any exclude term appears (case-insensitive)
// anywhere in the stub's title, company or teaser text.
func ContainsRedFlag(stub model.JobStub, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	combined := strings.ToLower(stub.Title + " " + stub.Company + " " + stub.ShortDescription)
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if strings.Contains(combined, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
