package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStubs_DropsURLlessAndCountsRaw(t *testing.T) {
	res := &Result{Data: map[string]any{
		"jobs": []any{
			map[string]any{"url": "https://a", "job_title": "Backend Dev", "employer": "Acme", "finnkode": 123456},
			map[string]any{"title": "no link"},
			map[string]any{"link": " https://b "},
			"garbage",
		},
	}}

	stubs, found, err := DecodeStubs(res)
	require.NoError(t, err)
	assert.Equal(t, 4, found)
	require.Len(t, stubs, 2)

	assert.Equal(t, "https://a", stubs[0].URL)
	assert.Equal(t, "Backend Dev", stubs[0].Title)
	assert.Equal(t, "Acme", stubs[0].Company)
	assert.Equal(t, "123456", stubs[0].ExternalRef)
	assert.Equal(t, "https://b", stubs[1].URL)
}

func TestDecodeStubs_EmptyAndMalformed(t *testing.T) {
	stubs, found, err := DecodeStubs(&Result{Data: map[string]any{}})
	require.NoError(t, err)
	assert.Zero(t, found)
	assert.Empty(t, stubs)

	_, _, err = DecodeStubs(&Result{Data: map[string]any{"jobs": "nope"}})
	assert.Error(t, err)
}

func TestDecodeDetail_AliasesAndAbsentFields(t *testing.T) {
	res := &Result{Data: map[string]any{
		"job_title":    "Go Developer",
		"title":        "",
		"description":  "Long text",
		"postalCode":   "0150",
		"requirements": []any{"Go", "Postgres"},
		"benefits":     "Pension",
		"contact_name": nil,
	}}

	d, err := DecodeDetail(res)
	require.NoError(t, err)

	require.NotNil(t, d.Title)
	assert.Equal(t, "Go Developer", *d.Title)
	require.NotNil(t, d.FullDescription)
	assert.Equal(t, "Long text", *d.FullDescription)
	require.NotNil(t, d.PostalCode)
	assert.Equal(t, "0150", *d.PostalCode)
	assert.Equal(t, []string{"Go", "Postgres"}, d.Requirements)
	assert.Equal(t, []string{"Pension"}, d.Benefits)
	assert.Nil(t, d.ContactName)
	assert.Nil(t, d.Deadline)
	assert.False(t, d.IsEmpty())
}

func TestDecodeDetail_CanonicalKeyWins(t *testing.T) {
	d, err := DecodeDetail(&Result{Data: map[string]any{
		"company":  "Canonical AS",
		"employer": "Alias AS",
	}})
	require.NoError(t, err)
	require.NotNil(t, d.Company)
	assert.Equal(t, "Canonical AS", *d.Company)
}
