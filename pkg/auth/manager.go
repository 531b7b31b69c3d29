// Package auth obtains and renews Salesforce session credentials.
//
// A Manager owns the single credential cell for a run. Readers go through
// Credential, which refreshes eagerly when the session is about to lapse;
// StartRenewal additionally refreshes on a schedule for long idle periods
// such as bulk batch polling.
package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/connector/base"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"go.uber.org/zap"
)

const (
	// SessionLifetime is how long Salesforce honours a session we obtained.
	SessionLifetime = 15 * time.Minute
	// RenewalLead is how long before expiry the session is replaced.
	RenewalLead = 15 * time.Second

	renewalRetryDelay = 30 * time.Second
)

// Credential is an access token bound to the org's instance URL.
type Credential struct {
	AccessToken string
	InstanceURL string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Authenticator performs one login round trip.
type Authenticator interface {
	Login(ctx context.Context) (Credential, error)
	Name() string
}

// Manager serializes logins and publishes the current credential atomically.
type Manager struct {
	authenticator Authenticator
	retry         *base.RetryPolicy
	logger        *zap.Logger
	now           func() time.Time
	lifetime      time.Duration
	lead          time.Duration

	mu   sync.RWMutex
	cred *Credential

	loginMu sync.Mutex
}

// NewManager wraps an authenticator; transient login failures are retried with retry.
func NewManager(authenticator Authenticator, retry *base.RetryPolicy, logger *zap.Logger) *Manager {
	if retry == nil {
		retry = base.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		authenticator: authenticator,
		retry:         retry,
		logger:        logger.With(zap.String("component", "auth"), zap.String("flow", authenticator.Name())),
		now:           time.Now,
		lifetime:      SessionLifetime,
		lead:          RenewalLead,
	}
}

// FromConfig picks the OAuth or password authenticator from cfg.
func FromConfig(cfg *config.TapConfig, httpClient *http.Client) Authenticator {
	if cfg.UsesOAuth() {
		return &OAuthCredential{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RefreshToken: cfg.RefreshToken,
			TokenURL:     cfg.LoginURL() + "/services/oauth2/token",
			HTTPClient:   httpClient,
		}
	}
	return &PasswordCredential{
		Username:      cfg.Username,
		Password:      cfg.Password,
		SecurityToken: cfg.SecurityToken,
		LoginURL:      cfg.LoginURL(),
		APIVersion:    cfg.APIVersion,
		HTTPClient:    httpClient,
	}
}

// Login obtains a fresh credential and makes it current.
func (m *Manager) Login(ctx context.Context) (Credential, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	return m.login(ctx)
}

func (m *Manager) login(ctx context.Context) (Credential, error) {
	var cred Credential
	err := m.retry.Execute(ctx, func() error {
		c, err := m.authenticator.Login(ctx)
		if err != nil {
			if errors.IsRetryable(err) {
				m.logger.Warn("login attempt failed", zap.Error(err))
			}
			return err
		}
		cred = c
		return nil
	})
	if err != nil {
		return Credential{}, err
	}

	cred.IssuedAt = m.now()
	cred.ExpiresAt = cred.IssuedAt.Add(m.lifetime)

	m.mu.Lock()
	m.cred = &cred
	m.mu.Unlock()

	m.logger.Info("obtained salesforce session",
		zap.String("instance_url", cred.InstanceURL),
		zap.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

// Credential returns the current credential, logging in first if there is
// none or it is within RenewalLead of expiring.
func (m *Manager) Credential(ctx context.Context) (Credential, error) {
	if c, ok := m.fresh(); ok {
		return c, nil
	}

	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if c, ok := m.fresh(); ok {
		return c, nil
	}
	return m.login(ctx)
}

// Renew replaces a credential the server rejected. If another caller already
// replaced it, the newer credential is returned without a second login.
func (m *Manager) Renew(ctx context.Context, rejected Credential) (Credential, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.mu.RLock()
	current := m.cred
	m.mu.RUnlock()
	if current != nil && current.AccessToken != rejected.AccessToken {
		return *current, nil
	}
	return m.login(ctx)
}

// StartRenewal refreshes the credential shortly before each expiry until ctx is done.
func (m *Manager) StartRenewal(ctx context.Context) {
	go func() {
		for {
			wait := m.untilRenewal()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if _, err := m.Login(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Error("scheduled session renewal failed", zap.Error(err))
				retry := time.NewTimer(renewalRetryDelay)
				select {
				case <-ctx.Done():
					retry.Stop()
					return
				case <-retry.C:
				}
			}
		}
	}()
}

func (m *Manager) untilRenewal() time.Duration {
	m.mu.RLock()
	c := m.cred
	m.mu.RUnlock()
	if c == nil {
		return 0
	}
	wait := c.ExpiresAt.Add(-m.lead).Sub(m.now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (m *Manager) fresh() (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return Credential{}, false
	}
	if !m.now().Before(m.cred.ExpiresAt.Add(-m.lead)) {
		return Credential{}, false
	}
	return *m.cred, true
}
