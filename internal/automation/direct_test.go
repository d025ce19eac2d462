package automation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const adzunaPage = `{
  "count": 2,
  "results": [
    {"id": "4411", "title": "Go Engineer", "description": "Write Go.",
     "company": {"display_name": "Acme"},
     "location": {"display_name": "Hackney, London", "area": ["UK", "London", "Hackney"]},
     "salary_min": 60000, "salary_max": 80000,
     "redirect_url": "https://adzuna.example/ad/4411",
     "created": "2024-05-01T10:00:00Z", "contract_time": "full_time", "contract_type": "permanent"},
    {"id": "4412", "title": "SRE", "description": "Keep it up.",
     "company": {"display_name": "Beta"}, "location": {"display_name": "Leeds"},
     "redirect_url": "https://adzuna.example/ad/4412", "created": "2024-05-02T10:00:00Z"}
  ]
}`

func newTestDirect(t *testing.T, handler http.HandlerFunc) *Direct {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	d := NewDirect("id", "key", NewMemoryDetailCache(), zap.NewNop().Sugar())
	d.BaseURL = srv.URL
	return d
}

func adzunaTemplates(t *testing.T) (Template, Template) {
	t.Helper()
	set, err := DefaultTemplates()
	require.NoError(t, err)
	listing, err := set.Listing("ADZUNA")
	require.NoError(t, err)
	detail, err := set.Detail(listing)
	require.NoError(t, err)
	return listing, detail
}

func TestDirect_ListingThenDetailFromCache(t *testing.T) {
	var calls atomic.Int32
	d := newTestDirect(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/gb/search/1", r.URL.Path)
		assert.Equal(t, "golang", r.URL.Query().Get("what"))
		assert.Equal(t, "london", r.URL.Query().Get("where"))
		assert.Equal(t, "id", r.URL.Query().Get("app_id"))
		_, _ = w.Write([]byte(adzunaPage))
	})
	listing, detail := adzunaTemplates(t)
	ctx := context.Background()

	res, err := d.Execute(ctx, listing, "https://www.adzuna.co.uk/search?q=golang&w=london")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a short page ends paging")

	stubs, found, err := DecodeStubs(res)
	require.NoError(t, err)
	assert.Equal(t, 2, found)
	require.Len(t, stubs, 2)
	assert.Equal(t, "https://adzuna.example/ad/4411", stubs[0].URL)
	assert.Equal(t, "Acme", stubs[0].Company)
	assert.Equal(t, "4411", stubs[0].ExternalRef)

	res, err = d.Execute(ctx, detail, stubs[0].URL)
	require.NoError(t, err)
	details, err := DecodeDetail(res)
	require.NoError(t, err)
	require.NotNil(t, details.SalaryRange)
	assert.Equal(t, "60000-80000", *details.SalaryRange)
	require.NotNil(t, details.City)
	assert.Equal(t, "Hackney", *details.City)
	require.NotNil(t, details.County)
	assert.Equal(t, "London", *details.County)
	assert.Equal(t, int32(1), calls.Load(), "detail must be served from cache")
}

func TestDirect_DetailCacheMiss(t *testing.T) {
	d := newTestDirect(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected")
	})
	_, detail := adzunaTemplates(t)

	_, err := d.Execute(context.Background(), detail, "https://adzuna.example/ad/unknown")
	requireFailure(t, err, KindRemoteFailed)
}

func TestDirect_MissingCredentialsRejected(t *testing.T) {
	d := NewDirect("", "", nil, zap.NewNop().Sugar())
	listing, _ := adzunaTemplates(t)

	_, err := d.Execute(context.Background(), listing, "https://www.adzuna.co.uk/search?q=go")
	f := requireFailure(t, err, KindRejected)
	assert.False(t, f.Recoverable())
}

func TestDirect_SearchURLWithoutQuery(t *testing.T) {
	d := newTestDirect(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected")
	})
	listing, _ := adzunaTemplates(t)

	_, err := d.Execute(context.Background(), listing, "https://www.adzuna.co.uk/")
	requireFailure(t, err, KindRejected)
}

func TestDirect_HTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   FailureKind
	}{
		{http.StatusUnauthorized, KindRejected},
		{http.StatusInternalServerError, KindRemoteFailed},
		{http.StatusTooManyRequests, KindRemoteFailed},
	}
	for _, c := range cases {
		d := newTestDirect(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		})
		listing, _ := adzunaTemplates(t)
		_, err := d.Execute(context.Background(), listing, "https://x/search?what=go")
		requireFailure(t, err, c.want)
	}
}

type stubBackend struct {
	name string
	seen []string
}

func (s *stubBackend) Execute(_ context.Context, tpl Template, targetURL string) (*Result, error) {
	s.seen = append(s.seen, tpl.Name+" "+targetURL)
	return &Result{Data: map[string]any{"backend": s.name}}, nil
}

func TestMux_RoutesByStrategy(t *testing.T) {
	remote, direct := &stubBackend{name: "remote"}, &stubBackend{name: "direct"}
	mux := NewMux().Handle(StrategyRemote, remote).Handle(StrategyDirect, direct)
	ctx := context.Background()

	res, err := mux.Execute(ctx, Template{Name: "FINN", Strategy: StrategyRemote}, "https://a")
	require.NoError(t, err)
	assert.Equal(t, "remote", res.Data["backend"])

	res, err = mux.Execute(ctx, Template{Name: "ADZUNA", Strategy: StrategyDirect}, "https://b")
	require.NoError(t, err)
	assert.Equal(t, "direct", res.Data["backend"])

	_, err = NewMux().Execute(ctx, Template{Name: "X", Strategy: StrategyRemote}, "https://c")
	requireFailure(t, err, KindRejected)
}
