package automation

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-viper/mapstructure/v2"

	"jobmate/scan-worker/internal/model"
)

// Extraction services do not agree on field names. Each alias maps to the
// canonical key used by the mapstructure tags on model.JobStub/JobDetail.
var stubAliases = map[string]string{
	"job_title":   "title",
	"employer":    "company",
	"link":        "url",
	"job_url":     "url",
	"description": "short_description",
	"finnkode":    "external_ref",
	"reference":   "external_ref",
	"published":   "posted_date",
}

var detailAliases = map[string]string{
	"job_title":    "title",
	"employer":     "company",
	"postalCode":   "postal_code",
	"postcode":     "postal_code",
	"description":  "full_description",
	"salary":       "salary_range",
	"apply_url":    "application_url",
	"contactEmail": "contact_email",
	"contactPhone": "contact_phone",
	"contactName":  "contact_name",
}

// normalize rewrites aliased keys. A canonical key already present wins over
// its alias.
func normalize(in map[string]any, aliases map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, aliased := aliases[k]; !aliased {
			out[k] = v
		}
	}
	for k, v := range in {
		canon, aliased := aliases[k]
		if !aliased || v == nil {
			continue
		}
		if existing, ok := out[canon]; !ok || existing == nil || existing == "" {
			out[canon] = v
		}
	}
	return out
}

func decodeInto(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// DecodeStubs reads the "jobs" list of a listing result. found is the raw
// number of entries; stubs holds only those with a URL.
func DecodeStubs(res *Result) (stubs []model.JobStub, found int, err error) {
	if res == nil || res.Data == nil {
		return nil, 0, nil
	}
	raw, ok := res.Data["jobs"]
	if !ok || raw == nil {
		return nil, 0, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, 0, errors.Newf("listing result: jobs is %T, want a list", raw)
	}

	found = len(items)
	stubs = make([]model.JobStub, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var s model.JobStub
		if err := decodeInto(normalize(m, stubAliases), &s); err != nil {
			return nil, found, errors.Wrapf(err, "listing result: job %d", i)
		}
		s.URL = strings.TrimSpace(s.URL)
		if s.URL == "" {
			continue
		}
		stubs = append(stubs, s)
	}
	return stubs, found, nil
}

// DecodeDetail reads a detail result into a JobDetail. Absent or null keys
// stay nil.
func DecodeDetail(res *Result) (model.JobDetail, error) {
	var d model.JobDetail
	if res == nil || res.Data == nil {
		return d, nil
	}
	if err := decodeInto(normalize(res.Data, detailAliases), &d); err != nil {
		return d, errors.Wrap(err, "detail result")
	}
	return d, nil
}
