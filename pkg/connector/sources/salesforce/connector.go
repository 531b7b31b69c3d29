package salesforce

import (
	"context"
	"os"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/auth"
	"github.com/ajitpratap0/tap-salesforce/pkg/clients"
	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/connector/base"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/messages"
	"github.com/ajitpratap0/tap-salesforce/pkg/quota"
	"github.com/ajitpratap0/tap-salesforce/pkg/state"
	"go.uber.org/zap"
)

// Open authenticates against the org and assembles a Source. State is read
// from statePath when given, otherwise from the configured state backend.
// The caller must Close the source.
func Open(ctx context.Context, cfg *config.TapConfig, statePath string, writer *messages.Writer, log *zap.Logger) (*Source, error) {
	if log == nil {
		log = zap.NewNop()
	}

	httpClient := clients.NewHTTPClient(clients.HTTPConfigFromTap(cfg), log)
	retry := base.RetryPolicyFromConfig(cfg.Reliability)
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}

	manager := auth.NewManager(auth.FromConfig(cfg, httpClient.StdClient()), retry, log)
	if _, err := manager.Login(ctx); err != nil {
		_ = httpClient.Close()
		return nil, err
	}
	renewCtx, stopRenewal := context.WithCancel(context.Background())
	manager.StartRenewal(renewCtx)

	cleanup := func() {
		stopRenewal()
		_ = httpClient.Close()
	}

	backend, err := state.NewBackend(ctx, cfg.State)
	if err != nil {
		cleanup()
		return nil, err
	}
	store := state.NewStore(cfg.StartTime(), cfg.Lookback(), time.Now().UTC(), backend, log)
	if err := restoreState(ctx, store, statePath); err != nil {
		cleanup()
		return nil, err
	}

	governor := quota.NewGovernor(cfg.QuotaPercentTotal, cfg.QuotaPercentPerRun, log)
	client := clients.NewAPIClient(httpClient, manager, governor, retry, cfg.APIVersion, log)

	src := NewSource(Options{
		Config:   cfg,
		Client:   client,
		Governor: governor,
		Store:    store,
		Writer:   writer,
		Logger:   log,
	})
	src.closers = append(src.closers, cleanup)
	return src, nil
}

func restoreState(ctx context.Context, store *state.Store, statePath string) error {
	if statePath == "" {
		return store.Load(ctx)
	}
	data, err := os.ReadFile(statePath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "reading state file").WithDetail("path", statePath)
	}
	return store.Restore(data)
}
