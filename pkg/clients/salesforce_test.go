package clients

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/auth"
	"github.com/ajitpratap0/tap-salesforce/pkg/connector/base"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/json"
	"github.com/ajitpratap0/tap-salesforce/pkg/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds struct {
	mu      sync.Mutex
	url     string
	token   string
	renewed int
}

func (s *staticCreds) Credential(context.Context) (auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return auth.Credential{AccessToken: s.token, InstanceURL: s.url}, nil
}

func (s *staticCreds) Renew(_ context.Context, rejected auth.Credential) (auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rejected.AccessToken == s.token {
		s.renewed++
		s.token = "renewed"
	}
	return auth.Credential{AccessToken: s.token, InstanceURL: s.url}, nil
}

func newTestClient(t *testing.T, h http.Handler, governor *quota.Governor) (*APIClient, *staticCreds) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	creds := &staticCreds{url: srv.URL, token: "initial"}
	retry := base.NewRetryPolicy(3, time.Millisecond)
	retry.RandomizeFactor = 0
	c := NewAPIClient(NewHTTPClient(nil, nil), creds, governor, retry, "52.0", nil)
	return c, creds
}

func TestQueryUsesQueryAllWithBearerToken(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v52.0/queryAll", r.URL.Path)
		assert.Equal(t, "SELECT Id FROM Account", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer initial", r.Header.Get("Authorization"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		_, _ = io.WriteString(w, `{"totalSize":2,"done":false,"nextRecordsUrl":"/services/data/v52.0/queryAll/01g-2000",
			"records":[{"Id":"001000000000001","Amount":12345678901234567890},{"Id":"001000000000002","Amount":1.5}]}`)
	}), nil)

	page, err := c.Query(context.Background(), "Account", "SELECT Id FROM Account")
	require.NoError(t, err)
	assert.False(t, page.Done)
	assert.Equal(t, "/services/data/v52.0/queryAll/01g-2000", page.NextRecordsURL)
	require.Len(t, page.Records, 2)
	assert.Equal(t, json.Number("12345678901234567890"), page.Records[0]["Amount"])
}

func TestQueryMoreFollowsNextRecordsURL(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v52.0/queryAll/01g-2000", r.URL.Path)
		_, _ = io.WriteString(w, `{"totalSize":3,"done":true,"records":[{"Id":"a"}]}`)
	}), nil)

	page, err := c.QueryMore(context.Background(), "Account", "/services/data/v52.0/queryAll/01g-2000")
	require.NoError(t, err)
	assert.True(t, page.Done)
	assert.Len(t, page.Records, 1)
}

func TestQueryTimeoutIsClassified(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `[{"message":"Your query request was running for too long.","errorCode":"QUERY_TIMEOUT"}]`)
	}), nil)

	_, err := c.Query(context.Background(), "Opportunity", "SELECT Id FROM Opportunity")
	require.Error(t, err)
	assert.Equal(t, errors.ClassQueryTimeout, errors.Classify(err))
	assert.Contains(t, err.Error(), "stream Opportunity")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTransientStatusIsRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"done":true,"records":[]}`)
	}), nil)

	_, err := c.Query(context.Background(), "Account", "SELECT Id FROM Account")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRejectedSessionIsRenewedOnce(t *testing.T) {
	c, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer renewed" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`)
			return
		}
		_, _ = io.WriteString(w, `{"done":true,"records":[]}`)
	}), nil)

	_, err := c.Query(context.Background(), "Account", "SELECT Id FROM Account")
	require.NoError(t, err)
	assert.Equal(t, 1, creds.renewed)
}

func TestBulkInvalidSessionRenews(t *testing.T) {
	c, creds := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SessionHeader) != "renewed" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><error xmlns="http://www.force.com/2009/06/asyncapi/dataload">
<exceptionCode>InvalidSessionId</exceptionCode><exceptionMessage>Invalid session id</exceptionMessage></error>`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"750x"}`)
	}), nil)

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: c.BulkPath("/job"), Bulk: true, Endpoint: "bulk"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"750x"}`, string(resp.Body))
	assert.Equal(t, 1, creds.renewed)
}

func TestPersistentRejectionIsFatal(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}), nil)

	_, err := c.Limits(context.Background())
	assert.True(t, errors.IsAuthenticationError(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQuotaHeaderAbortsRun(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(quota.LimitInfoHeader, "api-usage=90/100")
		_, _ = io.WriteString(w, `{"done":true,"records":[]}`)
	}), quota.NewGovernor(80, 25, nil))

	_, err := c.Query(context.Background(), "Account", "SELECT Id FROM Account")
	assert.True(t, errors.IsQuotaExceededError(err))
}

func TestLimitsAndDescribe(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/data/v52.0/limits":
			_, _ = io.WriteString(w, `{"DailyApiRequests":{"Max":15000,"Remaining":14000},"DailyBulkApiBatches":{"Max":15000,"Remaining":15000}}`)
		case "/services/data/v52.0/sobjects/Account/describe":
			_, _ = io.WriteString(w, `{"name":"Account","queryable":true,"fields":[{"name":"Id","type":"id"},{"name":"BillingAddress","type":"address"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}), nil)

	limits, err := c.Limits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, quota.Limit{Max: 15000, Remaining: 14000}, limits["DailyApiRequests"])

	d, err := c.Describe(context.Background(), "Account")
	require.NoError(t, err)
	require.Len(t, d.Fields, 2)
	assert.Equal(t, "address", d.Fields[1].Type)
}

func TestParseErrorBody(t *testing.T) {
	tests := []struct {
		name, body, code, msg string
	}{
		{"rest", `[{"message":"bad field","errorCode":"INVALID_FIELD"}]`, "INVALID_FIELD", "bad field"},
		{"bulk json", `{"exceptionCode":"InvalidJob","exceptionMessage":"no job"}`, "InvalidJob", "no job"},
		{"bulk xml", `<error><exceptionCode>InvalidBatch</exceptionCode><exceptionMessage>bad</exceptionMessage></error>`, "InvalidBatch", "bad"},
		{"empty", ``, "", ""},
		{"text", `Service Unavailable`, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := parseErrorBody([]byte(tt.body))
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestHTTPClientStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.RateLimit = 1000
	hc := NewHTTPClient(cfg, nil)
	defer hc.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	stats := hc.Stats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, 100.0, stats.SuccessRate)
}
