package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/connector/base"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() *base.RetryPolicy {
	rp := base.NewRetryPolicy(3, time.Millisecond)
	rp.RandomizeFactor = 0
	return rp
}

func TestOAuthLogin(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"00Dxx!token","instance_url":"https://na1.salesforce.com/","token_type":"Bearer","issued_at":"1650000000000"}`)
	}))
	defer srv.Close()

	o := &OAuthCredential{ClientID: "cid", ClientSecret: "secret", RefreshToken: "rt", TokenURL: srv.URL, HTTPClient: srv.Client()}
	cred, err := o.Login(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "00Dxx!token", cred.AccessToken)
	assert.Equal(t, "https://na1.salesforce.com", cred.InstanceURL)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt", form.Get("refresh_token"))
	assert.Equal(t, "cid", form.Get("client_id"))
	assert.Equal(t, "secret", form.Get("client_secret"))
}

func TestOAuthInvalidGrantIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"expired access/refresh token"}`)
	}))
	defer srv.Close()

	o := &OAuthCredential{ClientID: "cid", ClientSecret: "s", RefreshToken: "rt", TokenURL: srv.URL, HTTPClient: srv.Client()}
	_, err := o.Login(context.Background())

	var authErr *errors.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "invalid_grant")
	assert.Contains(t, authErr.Reason, "expired access/refresh token")
	assert.Equal(t, errors.ClassFatal, errors.Classify(err))
}

func TestManagerRetriesTransientLogin(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok","instance_url":"https://na1.salesforce.com"}`)
	}))
	defer srv.Close()

	m := NewManager(&OAuthCredential{RefreshToken: "rt", TokenURL: srv.URL, HTTPClient: srv.Client()}, fastRetry(), nil)
	cred, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.AccessToken)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPasswordLogin(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/Soap/u/52.0", r.URL.Path)
		assert.Equal(t, "login", r.Header.Get("SOAPAction"))
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns="urn:partner.soap.sforce.com">
 <soapenv:Body><loginResponse><result>
  <serverUrl>https://na9.salesforce.com/services/Soap/u/52.0/00D000000000001</serverUrl>
  <sessionId>SESSION</sessionId>
 </result></loginResponse></soapenv:Body>
</soapenv:Envelope>`)
	}))
	defer srv.Close()

	p := &PasswordCredential{Username: "a&b@example.com", Password: "pw", SecurityToken: "TOKEN", LoginURL: srv.URL, APIVersion: "52.0", HTTPClient: srv.Client()}
	cred, err := p.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SESSION", cred.AccessToken)
	assert.Equal(t, "https://na9.salesforce.com", cred.InstanceURL)
	assert.Contains(t, body, "a&amp;b@example.com")
	assert.Contains(t, body, "pwTOKEN")
}

func TestPasswordFaultIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
 <soapenv:Body><soapenv:Fault>
  <faultcode>INVALID_LOGIN</faultcode>
  <faultstring>INVALID_LOGIN: Invalid username, password, security token; or user locked out.</faultstring>
 </soapenv:Fault></soapenv:Body>
</soapenv:Envelope>`)
	}))
	defer srv.Close()

	p := &PasswordCredential{Username: "u", Password: "p", LoginURL: srv.URL, APIVersion: "52.0", HTTPClient: srv.Client()}
	_, err := p.Login(context.Background())
	var authErr *errors.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, strings.HasPrefix(authErr.Reason, "INVALID_LOGIN"))
}

type countingAuth struct {
	mu    sync.Mutex
	calls int
}

func (c *countingAuth) Name() string { return "counting" }

func (c *countingAuth) Login(context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return Credential{AccessToken: "token-" + string(rune('0'+c.calls)), InstanceURL: "https://x"}, nil
}

func (c *countingAuth) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCredentialRefreshesNearExpiry(t *testing.T) {
	a := &countingAuth{}
	m := NewManager(a, fastRetry(), nil)
	now := time.Date(2022, 5, 2, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	c1, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(SessionLifetime), c1.ExpiresAt)

	now = now.Add(SessionLifetime - RenewalLead - time.Second)
	c2, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c1.AccessToken, c2.AccessToken)

	now = now.Add(2 * time.Second)
	c3, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, c1.AccessToken, c3.AccessToken)
	assert.Equal(t, 2, a.count())
}

func TestRenewSkipsWhenAlreadyReplaced(t *testing.T) {
	a := &countingAuth{}
	m := NewManager(a, fastRetry(), nil)

	stale, err := m.Login(context.Background())
	require.NoError(t, err)
	fresh, err := m.Renew(context.Background(), stale)
	require.NoError(t, err)
	assert.NotEqual(t, stale.AccessToken, fresh.AccessToken)

	again, err := m.Renew(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, fresh.AccessToken, again.AccessToken)
	assert.Equal(t, 2, a.count())
}

func TestStartRenewalReplacesCredential(t *testing.T) {
	a := &countingAuth{}
	m := NewManager(a, fastRetry(), nil)
	m.lifetime = 40 * time.Millisecond
	m.lead = 20 * time.Millisecond

	_, err := m.Login(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartRenewal(ctx)

	assert.Eventually(t, func() bool { return a.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestFromConfig(t *testing.T) {
	cfg := config.NewTapConfig()
	cfg.RefreshToken, cfg.ClientID, cfg.ClientSecret = "rt", "cid", "s"
	cfg.IsSandbox = true
	o, ok := FromConfig(cfg, nil).(*OAuthCredential)
	require.True(t, ok)
	assert.Equal(t, "https://test.salesforce.com/services/oauth2/token", o.TokenURL)

	cfg = config.NewTapConfig()
	cfg.Username, cfg.Password = "u", "p"
	p, ok := FromConfig(cfg, nil).(*PasswordCredential)
	require.True(t, ok)
	assert.Equal(t, "https://login.salesforce.com", p.LoginURL)
	assert.Equal(t, config.DefaultAPIVersion, p.APIVersion)
}
