// Package quota keeps a run inside its share of the org's daily API allotment.
package quota

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
	"go.uber.org/zap"
)

// LimitInfoHeader carries "api-usage=USED/TOTAL" on every REST response.
const LimitInfoHeader = "Sforce-Limit-Info"

// UsageReport is the platform's view of today's request count.
type UsageReport struct {
	Used     int64
	Allotted int64
}

// Limit is one entry of the /limits resource.
type Limit struct {
	Max       int64 `json:"Max"`
	Remaining int64 `json:"Remaining"`
}

// LimitsSource fetches the /limits resource.
type LimitsSource interface {
	Limits(ctx context.Context) (map[string]Limit, error)
}

// Governor fails the run once either usage ceiling is crossed. Safe for
// concurrent use; parallel chunk fetches share one counter.
type Governor struct {
	totalCeiling  float64
	perRunCeiling float64
	logger        *zap.Logger

	mu        sync.Mutex
	attempted int64
	last      UsageReport
}

// NewGovernor creates a governor with percentage ceilings in (0, 100].
func NewGovernor(totalCeiling, perRunCeiling float64, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		totalCeiling:  totalCeiling,
		perRunCeiling: perRunCeiling,
		logger:        logger.With(zap.String("component", "quota_governor")),
	}
}

// RecordRequest counts one outbound request against this run.
func (g *Governor) RecordRequest() {
	g.mu.Lock()
	g.attempted++
	g.mu.Unlock()
}

// Attempted returns the number of requests made this run.
func (g *Governor) Attempted() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempted
}

// Last returns the most recent usage report.
func (g *Governor) Last() UsageReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Check returns a QuotaExceededError if the report crosses either ceiling.
func (g *Governor) Check(report UsageReport) error {
	if report.Allotted <= 0 {
		return nil
	}

	g.mu.Lock()
	g.last = report
	attempted := g.attempted
	g.mu.Unlock()

	allotted := float64(report.Allotted)
	usedPct := float64(report.Used) / allotted * 100
	runPct := float64(attempted) / allotted * 100

	metrics.QuotaUsedPercent.WithLabelValues("total").Set(usedPct)
	metrics.QuotaUsedPercent.WithLabelValues("per_run").Set(runPct)

	if usedPct > g.totalCeiling {
		return &errors.QuotaExceededError{
			Scope:     "total",
			Percent:   usedPct,
			Ceiling:   g.totalCeiling,
			Used:      report.Used,
			Allotted:  report.Allotted,
			Attempted: attempted,
		}
	}
	if runPct > g.perRunCeiling {
		return &errors.QuotaExceededError{
			Scope:     "per_run",
			Percent:   runPct,
			Ceiling:   g.perRunCeiling,
			Used:      report.Used,
			Allotted:  report.Allotted,
			Attempted: attempted,
		}
	}
	return nil
}

// Observe checks the usage header of a response. A missing or malformed
// header is not an error.
func (g *Governor) Observe(header string) error {
	report, ok := ParseLimitInfo(header)
	if !ok {
		return nil
	}
	return g.Check(report)
}

// Baseline checks DailyApiRequests once before a bulk extraction, since bulk
// endpoints do not report usage on every response.
func (g *Governor) Baseline(ctx context.Context, src LimitsSource) error {
	limits, err := src.Limits(ctx)
	if err != nil {
		return err
	}
	daily, ok := limits["DailyApiRequests"]
	if !ok {
		g.logger.Warn("limits response has no DailyApiRequests entry")
		return nil
	}
	report := UsageReport{Used: daily.Max - daily.Remaining, Allotted: daily.Max}
	g.logger.Info("api quota baseline",
		zap.Int64("used", report.Used),
		zap.Int64("allotted", report.Allotted))
	return g.Check(report)
}

// ParseLimitInfo parses "api-usage=25/5000" (other comma-separated entries are ignored).
func ParseLimitInfo(header string) (UsageReport, bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || key != "api-usage" {
			continue
		}
		usedStr, totalStr, found := strings.Cut(value, "/")
		if !found {
			return UsageReport{}, false
		}
		used, err := strconv.ParseInt(strings.TrimSpace(usedStr), 10, 64)
		if err != nil {
			return UsageReport{}, false
		}
		total, err := strconv.ParseInt(strings.TrimSpace(totalStr), 10, 64)
		if err != nil {
			return UsageReport{}, false
		}
		return UsageReport{Used: used, Allotted: total}, true
	}
	return UsageReport{}, false
}
