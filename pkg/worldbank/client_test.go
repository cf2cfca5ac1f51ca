package worldbank

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
	"github.com/ajitpratap0/wbingest/pkg/testutil"
)

const samplePage = `[
 {"page":2,"pages":3,"per_page":"2","total":6,"sourceid":"2","lastupdated":"2024-06-28"},
 [
  {"indicator":{"id":"NY.GDP.MKTP.CD","value":"GDP (current US$)"},
   "country":{"id":"ZH","value":"Africa Eastern and Southern"},
   "countryiso3code":"AFE","date":"2023","value":1236163044999.99,
   "unit":"","obs_status":"","decimal":0},
  {"indicator":{"id":"NY.GDP.MKTP.CD","value":"GDP (current US$)"},
   "country":{"id":"ZH","value":"Africa Eastern and Southern"},
   "countryiso3code":"","date":"2022","value":null,
   "unit":null,"obs_status":null,"decimal":null}
 ]
]`

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := ClientConfig{
		BaseURL:        srv.URL + "/v2/country/all/indicator/NY.GDP.MKTP.CD?format=xml",
		RequestTimeout: 5 * time.Second,
		RetryAttempts:  2,
		RetryWaitMin:   time.Millisecond,
		RetryWaitMax:   2 * time.Millisecond,
		UserAgent:      "wbingest-test",
		HTTPClient:     srv.Client(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestPageURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *ClientConfig) { cfg.PerPage = 500 })

	u, err := url.Parse(c.PageURL(3))
	require.NoError(t, err)
	assert.Equal(t, "/v2/country/all/indicator/NY.GDP.MKTP.CD", u.Path)
	assert.Equal(t, "json", u.Query().Get("format"))
	assert.Equal(t, "3", u.Query().Get("page"))
	assert.Equal(t, "500", u.Query().Get("per_page"))

	u, err = url.Parse(c.PageURL(0))
	require.NoError(t, err)
	_, hasPage := u.Query()["page"]
	assert.False(t, hasPage)
}

func TestFetchParsesPage(t *testing.T) {
	var gotUA, gotPage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotPage = r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	page, err := newTestClient(t, srv, nil).Fetch(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, "wbingest-test", gotUA)
	assert.Equal(t, "2", gotPage)
	assert.Equal(t, 2, page.PageNumber)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 2, page.PerPage)
	assert.Equal(t, 6, page.Total)
	require.Len(t, page.Records, 2)

	first := page.Records[0]
	assert.Equal(t, "NY.GDP.MKTP.CD", first.IndicatorID)
	assert.Equal(t, "GDP (current US$)", first.Indicator)
	assert.Equal(t, "ZH", first.CountryID)
	assert.Equal(t, "AFE", first.CountryCode)
	assert.Equal(t, "2023", first.Date)
	require.NotNil(t, first.Value)
	assert.InDelta(t, 1236163044999.99, *first.Value, 0.01)
	require.NotNil(t, first.DecimalPlaces)
	assert.Equal(t, 0, *first.DecimalPlaces)

	second := page.Records[1]
	assert.Equal(t, "", second.CountryCode)
	assert.Nil(t, second.Value)
	assert.Nil(t, second.Unit)
	assert.Nil(t, second.ObsStatus)
	assert.Nil(t, second.DecimalPlaces)
	assert.Equal(t, RecordKey{IndicatorID: "NY.GDP.MKTP.CD", CountryID: "ZH", Date: "2022"}, second.Key())
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	page, err := newTestClient(t, srv, nil).Fetch(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ingesterrors.Kind
	}{
		{"not found", http.StatusNotFound, "nope", ingesterrors.KindFetchFailed},
		{"server error after retries", http.StatusInternalServerError, "", ingesterrors.KindFetchFailed},
		{"not json", http.StatusOK, "<html>maintenance</html>", ingesterrors.KindMalformedResponse},
		{"api error envelope", http.StatusOK, `[{"message":[{"id":"120","key":"Invalid value","value":"The provided parameter value is not valid"}]}]`, ingesterrors.KindMalformedResponse},
		{"wrong arity", http.StatusOK, `[{"page":1,"pages":1},[],[]]`, ingesterrors.KindMalformedResponse},
		{"metadata without pages", http.StatusOK, `[{"page":1},[]]`, ingesterrors.KindMalformedResponse},
		{"missing date", http.StatusOK, `[{"page":1,"pages":1},[{"indicator":{"id":"A","value":"a"},"country":{"id":"B","value":"b"},"countryiso3code":"BBB"}]]`, ingesterrors.KindInvalidRecord},
		{"null country", http.StatusOK, `[{"page":1,"pages":1},[{"indicator":{"id":"A","value":"a"},"country":null,"countryiso3code":"","date":"2020"}]]`, ingesterrors.KindInvalidRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv, nil).Fetch(context.Background(), 1)
			require.Error(t, err)
			assert.Equal(t, tt.kind, ingesterrors.KindOf(err), err.Error())
		})
	}
}

func TestFetchStatusDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).Fetch(context.Background(), 4)
	var ierr *ingesterrors.Error
	require.ErrorAs(t, err, &ierr)
	status, ok := ierr.Detail("status")
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, status)
	page, _ := ierr.Detail("page")
	assert.Equal(t, 4, page)
}

func TestFetchRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, func(cfg *ClientConfig) {
		cfg.RequestTimeout = 50 * time.Millisecond
		cfg.RetryAttempts = 0
	})

	_, err := c.Fetch(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, ingesterrors.IsKind(err, ingesterrors.KindFetchFailed))
	assert.True(t, ingesterrors.IsTimeout(err))
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *ClientConfig) { cfg.MaxBodyBytes = int64(len(samplePage) - 1) })
	_, err := c.Fetch(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, ingesterrors.IsKind(err, ingesterrors.KindMalformedResponse))
	assert.Contains(t, err.Error(), "exceeds")

	// a body of exactly the cap is accepted
	c = newTestClient(t, srv, func(cfg *ClientConfig) { cfg.MaxBodyBytes = int64(len(samplePage)) })
	_, err = c.Fetch(context.Background(), 1)
	require.NoError(t, err)
}

func TestFetchPageOneShot(t *testing.T) {
	var gotPage, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPage = r.URL.Query().Get("page")
		gotFormat = r.URL.Query().Get("format")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	ctx := testutil.TestContext(t, 5*time.Second)
	page, err := FetchPage(ctx, srv.URL+"/v2/country/all/indicator/NY.GDP.MKTP.CD", 2)
	require.NoError(t, err)
	assert.Equal(t, "2", gotPage)
	assert.Equal(t, "json", gotFormat)
	assert.Len(t, page.Records, 2)

	_, err = FetchPage(ctx, "ftp://example.com/data", 1)
	assert.True(t, ingesterrors.IsKind(err, ingesterrors.KindConfig))
}

func TestNewClientRejectsScheme(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "ftp://api.worldbank.org/v2"}, nil)
	assert.True(t, ingesterrors.IsKind(err, ingesterrors.KindConfig))
}
