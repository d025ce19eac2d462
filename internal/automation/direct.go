package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	adzunaBaseURL   = "https://api.adzuna.com/v1/api/jobs"
	adzunaPageSize  = 50
	adzunaMaxPages  = 3
	directTimeout   = 15 * time.Second
	detailCacheTTL  = 24 * time.Hour
	detailKeyPrefix = "scan-worker:detail:"
)

// DetailCache keeps the detail fields a listing call already returned, so
// the follow-up detail call for the same posting needs no network round trip.
type DetailCache interface {
	Put(ctx context.Context, postingURL string, fields map[string]any) error
	Get(ctx context.Context, postingURL string) (map[string]any, bool, error)
}

// RedisDetailCache stores detail fields as JSON strings with a TTL.
type RedisDetailCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDetailCache returns a cache with the default 24h TTL.
func NewRedisDetailCache(rdb *redis.Client) *RedisDetailCache {
	return &RedisDetailCache{rdb: rdb, ttl: detailCacheTTL}
}

func (c *RedisDetailCache) Put(ctx context.Context, postingURL string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "encode cached detail")
	}
	return errors.Wrap(c.rdb.Set(ctx, detailKeyPrefix+postingURL, raw, c.ttl).Err(), "cache detail")
}

func (c *RedisDetailCache) Get(ctx context.Context, postingURL string) (map[string]any, bool, error) {
	raw, err := c.rdb.Get(ctx, detailKeyPrefix+postingURL).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "read cached detail")
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, errors.Wrap(err, "decode cached detail")
	}
	return fields, true, nil
}

// MemoryDetailCache is the process-local fallback when no Redis is configured.
type MemoryDetailCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	fields  map[string]any
	expires time.Time
}

func NewMemoryDetailCache() *MemoryDetailCache {
	return &MemoryDetailCache{entries: make(map[string]memoryEntry), ttl: detailCacheTTL}
}

func (c *MemoryDetailCache) Put(_ context.Context, postingURL string, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[postingURL] = memoryEntry{fields: fields, expires: now.Add(c.ttl)}
	return nil
}

func (c *MemoryDetailCache) Get(_ context.Context, postingURL string) (map[string]any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[postingURL]
	if !ok || time.Now().After(e.expires) {
		return nil, false, nil
	}
	return e.fields, true, nil
}

// Direct queries the Adzuna search API. Listing calls page through results;
// detail calls are answered from the cache filled during the listing call.
// Credentials missing is a configuration problem, so it is reported as
// REJECTED rather than retried.
type Direct struct {
	AppID   string
	AppKey  string
	BaseURL string
	cache   DetailCache
	client  *http.Client
	log     *zap.SugaredLogger
}

// NewDirect constructs a Direct backend with a shared HTTP client.
func NewDirect(appID, appKey string, cache DetailCache, log *zap.SugaredLogger) *Direct {
	if cache == nil {
		cache = NewMemoryDetailCache()
	}
	return &Direct{
		AppID:   appID,
		AppKey:  appKey,
		BaseURL: adzunaBaseURL,
		cache:   cache,
		client:  &http.Client{Timeout: directTimeout},
		log:     log,
	}
}

// adzunaResponse mirrors the top-level Adzuna JSON response.
type adzunaResponse struct {
	Results []adzunaResult `json:"results"`
	Count   int            `json:"count"`
}

type adzunaResult struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Company      adzunaName     `json:"company"`
	Location     adzunaLocation `json:"location"`
	SalaryMin    float64        `json:"salary_min"`
	SalaryMax    float64        `json:"salary_max"`
	RedirectURL  string         `json:"redirect_url"`
	Created      string         `json:"created"`
	ContractTime string         `json:"contract_time"`
	ContractType string         `json:"contract_type"`
}

type adzunaName struct {
	DisplayName string `json:"display_name"`
}

type adzunaLocation struct {
	DisplayName string   `json:"display_name"`
	Area        []string `json:"area"`
}

// Execute implements Backend.
func (d *Direct) Execute(ctx context.Context, tpl Template, targetURL string) (*Result, error) {
	switch tpl.Purpose {
	case PurposeListing:
		return d.listing(ctx, tpl, targetURL)
	case PurposeDetail:
		return d.detail(ctx, targetURL)
	}
	return nil, fail(KindRejected, nil, "template %s has unsupported purpose %q", tpl.Name, tpl.Purpose)
}

// searchParams pulls what/where out of a task URL. Both the API's own names
// and the public site's q/w parameters are accepted.
func searchParams(targetURL string) (what, where string, err error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", "", err
	}
	q := u.Query()
	what = firstNonEmpty(q.Get("what"), q.Get("q"))
	where = firstNonEmpty(q.Get("where"), q.Get("w"))
	if what == "" {
		return "", "", errors.New("search URL has no what/q parameter")
	}
	return what, where, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func requestString(tpl Template, key, fallback string) string {
	if v, ok := tpl.Request[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func requestInt(tpl Template, key string, fallback int) int {
	switch v := tpl.Request[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func (d *Direct) listing(ctx context.Context, tpl Template, targetURL string) (*Result, error) {
	if d.AppID == "" || d.AppKey == "" {
		return nil, fail(KindRejected, nil, "ADZUNA_APP_ID / ADZUNA_APP_KEY not set")
	}
	what, where, err := searchParams(targetURL)
	if err != nil {
		return nil, fail(KindRejected, err, "parse search URL %q", targetURL)
	}
	country := requestString(tpl, "country", "gb")
	maxPages := requestInt(tpl, "max_pages", adzunaMaxPages)

	jobs := make([]any, 0)
	for page := 1; page <= maxPages; page++ {
		batch, err := d.fetchPage(ctx, country, what, where, page)
		if err != nil {
			return nil, err
		}
		for _, r := range batch {
			if r.RedirectURL != "" {
				if err := d.cache.Put(ctx, r.RedirectURL, detailFields(r)); err != nil {
					d.log.Warnw("detail cache write failed", "url", r.RedirectURL, "err", err)
				}
			}
			jobs = append(jobs, map[string]any{
				"url":               r.RedirectURL,
				"title":             r.Title,
				"company":           r.Company.DisplayName,
				"location":          r.Location.DisplayName,
				"short_description": r.Description,
				"external_ref":      r.ID,
				"posted_date":       r.Created,
			})
		}
		if len(batch) < adzunaPageSize {
			break // last page
		}
	}
	return &Result{Data: map[string]any{"jobs": jobs}}, nil
}

func detailFields(r adzunaResult) map[string]any {
	fields := map[string]any{
		"title":            r.Title,
		"company":          r.Company.DisplayName,
		"location":         r.Location.DisplayName,
		"full_description": r.Description,
		"application_url":  r.RedirectURL,
	}
	if kind := strings.TrimSpace(strings.Join([]string{r.ContractType, r.ContractTime}, " ")); kind != "" {
		fields["employment_type"] = kind
	}
	if r.ContractTime != "" {
		fields["extent"] = r.ContractTime
	}
	if r.SalaryMin > 0 || r.SalaryMax > 0 {
		fields["salary_range"] = fmt.Sprintf("%.0f-%.0f", r.SalaryMin, r.SalaryMax)
	}
	if n := len(r.Location.Area); n > 0 {
		fields["city"] = r.Location.Area[n-1]
		if n > 1 {
			fields["county"] = r.Location.Area[n-2]
		}
	}
	return fields
}

func (d *Direct) detail(ctx context.Context, postingURL string) (*Result, error) {
	fields, ok, err := d.cache.Get(ctx, postingURL)
	if err != nil {
		return nil, fail(KindConnection, err, "detail cache lookup")
	}
	if !ok {
		return nil, fail(KindRemoteFailed, nil, "no cached detail for %s", postingURL)
	}
	return &Result{Data: fields}, nil
}

func (d *Direct) fetchPage(ctx context.Context, country, what, where string, page int) ([]adzunaResult, error) {
	endpoint := fmt.Sprintf("%s/%s/search/%d", strings.TrimRight(d.BaseURL, "/"), country, page)

	params := url.Values{}
	params.Set("app_id", d.AppID)
	params.Set("app_key", d.AppKey)
	params.Set("results_per_page", strconv.Itoa(adzunaPageSize))
	params.Set("what", what)
	if where != "" {
		params.Set("where", where)
	}
	params.Set("content-type", "application/json")
	params.Set("sort_by", "date")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fail(KindRejected, err, "build adzuna request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, transportFailure(ctx, err, "adzuna page %d", page)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFailure(ctx, err, "read adzuna page %d", page)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fail(KindRejected, nil, "adzuna returned %d: %s", resp.StatusCode, snippet(body))
	default:
		return nil, fail(KindRemoteFailed, nil, "adzuna returned %d: %s", resp.StatusCode, snippet(body))
	}

	var apiResp adzunaResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fail(KindRemoteFailed, err, "decode adzuna page %d", page)
	}
	return apiResp.Results, nil
}
