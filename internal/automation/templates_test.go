package automation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplates(t *testing.T) {
	set, err := DefaultTemplates()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"FINN", "NAV", "ADZUNA"}, set.Sources())

	finn, err := set.Listing("finn")
	require.NoError(t, err)
	assert.Equal(t, StrategyRemote, finn.Strategy)
	assert.NotEmpty(t, finn.Request["navigation_goal"])

	detail, err := set.Detail(finn)
	require.NoError(t, err)
	assert.Equal(t, "DETAIL", detail.Name)
	assert.Equal(t, PurposeDetail, detail.Purpose)

	adzuna, err := set.Listing("ADZUNA")
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, adzuna.Strategy)
	adzunaDetail, err := set.Detail(adzuna)
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, adzunaDetail.Strategy)
}

func TestTemplates_UnknownSource(t *testing.T) {
	set, err := DefaultTemplates()
	require.NoError(t, err)

	_, err = set.Listing("LINKEDIN")
	assert.ErrorIs(t, err, ErrUnknownSource)

	// A detail template is not a listing template.
	_, err = set.Listing("DETAIL")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestTemplates_MissingDetail(t *testing.T) {
	set, err := ParseTemplates([]byte(`
templates:
  ONLY:
    purpose: listing
`))
	require.NoError(t, err)

	listing, err := set.Listing("ONLY")
	require.NoError(t, err)
	assert.Equal(t, DefaultDetailTemplate, listing.Detail)

	_, err = set.Detail(listing)
	assert.ErrorIs(t, err, ErrNoDetailTemplate)
}

func TestTemplates_ReturnedCopiesAreIsolated(t *testing.T) {
	set, err := DefaultTemplates()
	require.NoError(t, err)

	a, err := set.Listing("NAV")
	require.NoError(t, err)
	a.Request["url"] = "https://mutated"

	b, err := set.Listing("NAV")
	require.NoError(t, err)
	_, ok := b.Request["url"]
	assert.False(t, ok)
}

func TestParseTemplates_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":            `templates: {}`,
		"bad purpose":      "templates:\n  X:\n    purpose: scrape\n",
		"bad strategy":     "templates:\n  X:\n    purpose: listing\n    strategy: carrier-pigeon\n",
		"not yaml mapping": `- just a list`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTemplates([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadTemplates_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  CUSTOM:
    purpose: listing
    strategy: remote
    exclude_terms: [unpaid]
  DETAIL:
    purpose: detail
`), 0o600))

	set, err := LoadTemplates(path)
	require.NoError(t, err)
	tpl, err := set.Listing("custom")
	require.NoError(t, err)
	assert.Equal(t, []string{"unpaid"}, tpl.ExcludeTerms)

	_, err = LoadTemplates(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
