package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTotalCeiling(t *testing.T) {
	g := NewGovernor(80, 25, nil)

	err := g.Check(UsageReport{Used: 81, Allotted: 100})
	require.Error(t, err)
	var qe *errors.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "total", qe.Scope)

	assert.NoError(t, g.Check(UsageReport{Used: 79, Allotted: 100}))
	assert.NoError(t, g.Check(UsageReport{Used: 80, Allotted: 100}))
}

func TestCheckPerRunCeiling(t *testing.T) {
	g := NewGovernor(80, 25, nil)
	for i := 0; i < 25; i++ {
		g.RecordRequest()
	}
	assert.NoError(t, g.Check(UsageReport{Used: 30, Allotted: 100}))

	g.RecordRequest()
	err := g.Check(UsageReport{Used: 30, Allotted: 100})
	var qe *errors.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "per_run", qe.Scope)
	assert.Equal(t, int64(26), qe.Attempted)
	assert.Equal(t, errors.ClassFatal, errors.Classify(err))
}

func TestCheckNeverRaisesUnderBothCeilings(t *testing.T) {
	for used := int64(0); used <= 80; used += 10 {
		for attempted := 0; attempted <= 25; attempted += 5 {
			t.Run(fmt.Sprintf("used=%d attempted=%d", used, attempted), func(t *testing.T) {
				g := NewGovernor(80, 25, nil)
				for i := 0; i < attempted; i++ {
					g.RecordRequest()
				}
				assert.NoError(t, g.Check(UsageReport{Used: used, Allotted: 100}))
			})
		}
	}
}

func TestCheckIgnoresUnknownAllotment(t *testing.T) {
	g := NewGovernor(80, 25, nil)
	g.RecordRequest()
	assert.NoError(t, g.Check(UsageReport{Used: 5, Allotted: 0}))
}

func TestParseLimitInfo(t *testing.T) {
	tests := []struct {
		header string
		want   UsageReport
		ok     bool
	}{
		{"api-usage=25/5000", UsageReport{25, 5000}, true},
		{"per-app-api-usage=1/100(appName=x), api-usage=81/100", UsageReport{81, 100}, true},
		{"", UsageReport{}, false},
		{"api-usage=abc/100", UsageReport{}, false},
		{"api-usage=25", UsageReport{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok := ParseLimitInfo(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObserve(t *testing.T) {
	g := NewGovernor(80, 25, nil)
	assert.NoError(t, g.Observe(""))
	assert.NoError(t, g.Observe("api-usage=10/100"))
	assert.Error(t, g.Observe("api-usage=90/100"))
	assert.Equal(t, UsageReport{90, 100}, g.Last())
}

type fakeLimits map[string]Limit

func (f fakeLimits) Limits(context.Context) (map[string]Limit, error) { return f, nil }

func TestBaseline(t *testing.T) {
	g := NewGovernor(80, 25, nil)
	assert.NoError(t, g.Baseline(context.Background(), fakeLimits{"DailyApiRequests": {Max: 1000, Remaining: 900}}))
	assert.True(t, errors.IsQuotaExceededError(
		g.Baseline(context.Background(), fakeLimits{"DailyApiRequests": {Max: 1000, Remaining: 100}})))
	assert.NoError(t, g.Baseline(context.Background(), fakeLimits{}))
}

func TestRecordRequestConcurrent(t *testing.T) {
	g := NewGovernor(80, 25, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RecordRequest()
			_ = g.Check(UsageReport{Used: 1, Allotted: 1_000_000})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), g.Attempted())
}
