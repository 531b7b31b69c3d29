package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"quota", &errors.QuotaExceededError{Scope: "total"}, exitQuota},
		{"wrapped quota", fmt.Errorf("sync: %w", &errors.QuotaExceededError{Scope: "per_run"}), exitQuota},
		{"auth", &errors.AuthenticationError{Reason: "invalid_grant"}, exitAuth},
		{"other", errors.New(errors.ErrorTypeConfig, "bad config"), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "tap-salesforce v"+version)
}

func TestMissingRequiredFlags(t *testing.T) {
	assert.Equal(t, exitError, execute([]string{"--config", "config.json"}))
}
