// Package window retries timed-out date-bounded extractions over smaller windows.
package window

import (
	"context"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
	"go.uber.org/zap"
)

// MinWindow is the shortest window a split may produce.
const MinWindow = 24 * time.Hour

const initialShrink = 2

// ExtractFunc extracts [start, end) and reports how many records it emitted
// before returning, including when it returns an error.
type ExtractFunc func(ctx context.Context, start, end time.Time) (emitted int, err error)

// Windower splits a window in two whenever its extraction times out.
type Windower struct {
	retries int
	logger  *zap.Logger
}

// New returns a windower allowing retries nested splits.
func New(retries int, logger *zap.Logger) *Windower {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Windower{retries: retries, logger: logger.With(zap.String("component", "windower"))}
}

// Extract runs fn over [start, end). On a query timeout that emitted nothing,
// the window is cut at start + (end-start)/shrink and both halves are
// extracted in order with one retry fewer and a larger shrink factor.
func (w *Windower) Extract(ctx context.Context, stream string, start, end time.Time, fn ExtractFunc) error {
	return w.extract(ctx, stream, start, end, w.retries, initialShrink, fn)
}

func (w *Windower) extract(ctx context.Context, stream string, start, end time.Time, retries, shrink int, fn ExtractFunc) error {
	emitted, err := fn(ctx, start, end)
	if err == nil {
		return nil
	}
	if errors.Classify(err) != errors.ClassQueryTimeout {
		return err
	}
	if emitted > 0 {
		// Splitting now would emit the first records twice.
		return err
	}
	if retries <= 0 {
		return &errors.RanOutOfRetriesError{Stream: stream, Start: start, End: end}
	}

	step := end.Sub(start) / time.Duration(shrink)
	if step < MinWindow {
		return &errors.ZeroDayWindowError{Stream: stream, Start: start, End: end}
	}
	mid := start.Add(step)

	metrics.WindowSplits.WithLabelValues(stream).Inc()
	w.logger.Warn("query timed out, splitting window",
		zap.String("stream", stream),
		zap.Time("start", start),
		zap.Time("mid", mid),
		zap.Time("end", end),
		zap.Int("retries_left", retries-1))

	if err := w.extract(ctx, stream, start, mid, retries-1, shrink+1, fn); err != nil {
		return err
	}
	return w.extract(ctx, stream, mid, end, retries-1, shrink+1, fn)
}
