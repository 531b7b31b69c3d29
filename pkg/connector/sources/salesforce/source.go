// Package salesforce replicates selected Salesforce objects through the REST
// or Bulk API, emitting records and bookmarks to a message writer.
package salesforce

import (
	"context"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/bulk"
	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/clients"
	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/logger"
	"github.com/ajitpratap0/tap-salesforce/pkg/messages"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
	"github.com/ajitpratap0/tap-salesforce/pkg/observability"
	"github.com/ajitpratap0/tap-salesforce/pkg/query"
	"github.com/ajitpratap0/tap-salesforce/pkg/quota"
	"github.com/ajitpratap0/tap-salesforce/pkg/state"
	"github.com/ajitpratap0/tap-salesforce/pkg/window"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// StateEvery is how many records pass between STATE messages.
const StateEvery = 1000

// Field types the Bulk API cannot return in CSV results.
var bulkUnsupportedTypes = map[string]bool{
	"address":  true,
	"location": true,
	"base64":   true,
}

// Options holds the collaborators of a Source.
type Options struct {
	Config   *config.TapConfig
	Client   *clients.APIClient
	Governor *quota.Governor
	Store    *state.Store
	Writer   *messages.Writer
	Logger   *zap.Logger
}

// Source syncs catalog streams one at a time.
type Source struct {
	cfg      *config.TapConfig
	client   *clients.APIClient
	bulk     *bulk.Controller
	planner  *query.Planner
	windower *window.Windower
	store    *state.Store
	writer   *messages.Writer
	logger   *zap.Logger
	now      func() time.Time

	skipped error
	closers []func()
}

// NewSource wires a source from its collaborators.
func NewSource(opts Options) *Source {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		cfg:      opts.Config,
		client:   opts.Client,
		bulk:     bulk.NewController(opts.Client, opts.Governor, opts.Config.PollInterval, log),
		planner:  query.NewPlanner(),
		windower: window.New(opts.Config.WindowRetries, log),
		store:    opts.Store,
		writer:   opts.Writer,
		logger:   log.With(zap.String("component", "salesforce_source")),
		now:      time.Now,
	}
}

// Skipped returns the stream-local failures of the last Sync, combined.
func (s *Source) Skipped() error { return s.skipped }

// Close releases background resources started by Open.
func (s *Source) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Sync replicates every selected stream. A stream whose bulk batch fails is
// skipped and reported through Skipped; any other error aborts the run after
// a best-effort flush of the current state.
func (s *Source) Sync(ctx context.Context, cat *catalog.Catalog) error {
	s.skipped = nil
	streams := orderStreams(cat.SelectedStreams(), s.store.CurrentStream())
	s.logger.Info("starting sync",
		zap.Int("streams", len(streams)),
		zap.String("api_type", s.cfg.APIType),
		zap.Time("sync_start", s.store.SyncStart()))

	for _, stream := range streams {
		if err := ctx.Err(); err != nil {
			s.flush(context.Background())
			return err
		}

		s.store.SetCurrentStream(stream.Name())
		err := s.syncStream(ctx, stream)
		if err == nil {
			continue
		}
		if errors.IsStreamLocal(err) {
			logger.Lines(s.logger, zap.WarnLevel, err.Error(), zap.String("stream", stream.Name()))
			metrics.StreamsSkipped.WithLabelValues(stream.Name()).Inc()
			s.skipped = multierr.Append(s.skipped, err)
			continue
		}
		s.flush(context.Background())
		return err
	}

	s.store.SetCurrentStream("")
	if err := s.writeState(); err != nil {
		return err
	}
	if err := s.store.Persist(ctx); err != nil {
		return err
	}

	for _, err := range multierr.Errors(s.skipped) {
		s.logger.Warn("stream skipped", zap.Error(err))
	}
	s.logger.Info("sync finished",
		zap.Int64("records", s.writer.Records()),
		zap.Int("skipped_streams", len(multierr.Errors(s.skipped))))
	return nil
}

// orderStreams moves the interrupted stream, if any, to the front.
func orderStreams(streams []*catalog.Stream, current string) []*catalog.Stream {
	if current == "" {
		return streams
	}
	out := make([]*catalog.Stream, 0, len(streams))
	for _, st := range streams {
		if st.Name() == current {
			out = append(out, st)
		}
	}
	for _, st := range streams {
		if st.Name() != current {
			out = append(out, st)
		}
	}
	return out
}

// flush emits and persists the latest state, logging rather than returning failures.
func (s *Source) flush(ctx context.Context) {
	if err := s.writeState(); err != nil {
		s.logger.Error("failed to emit state during abort", zap.Error(err))
	}
	if err := s.store.Persist(ctx); err != nil {
		s.logger.Error("failed to persist state during abort", zap.Error(err))
	}
}

func (s *Source) writeState() error {
	return s.writer.WriteState(s.store.Snapshot())
}

func (s *Source) syncStream(ctx context.Context, stream *catalog.Stream) (err error) {
	name := stream.Name()
	ctx, span := observability.StartSpan(ctx, "salesforce.sync_stream",
		observability.Stream(name), observability.Object(stream.Object()))
	defer func() { observability.EndSpan(span, err) }()

	ctx = logger.ContextWithStream(ctx, name)
	log := logger.WithContext(ctx, s.logger)
	fields := stream.SelectedFields(s.cfg.SelectFieldsByDefault)
	if s.cfg.IsBulk() {
		if fields, err = s.bulkFields(ctx, stream, fields); err != nil {
			return err
		}
	}
	schema := stream.SelectedSchema(fields)

	var bookmarkProps []string
	if rk := stream.ReplicationKey(); rk != "" {
		bookmarkProps = []string{rk}
	}
	if err := s.writer.WriteSchema(name, schema, stream.KeyPropertyNames(), bookmarkProps); err != nil {
		return err
	}

	r := &run{
		source: s,
		stream: stream,
		schema: schema,
		fields: fields,
		log:    log,
	}
	if stream.Incremental() {
		err = r.incremental(ctx)
	} else {
		err = r.fullTable(ctx)
	}
	if err != nil {
		return err
	}

	log.Info("stream finished", zap.Int("records", r.total))
	return s.writeState()
}

// bulkFields drops field types that Bulk CSV results cannot carry.
func (s *Source) bulkFields(ctx context.Context, stream *catalog.Stream, fields []string) ([]string, error) {
	desc, err := s.client.Describe(ctx, stream.Object())
	if err != nil {
		return nil, err
	}
	unsupported := make(map[string]string)
	for _, f := range desc.Fields {
		if bulkUnsupportedTypes[f.Type] {
			unsupported[f.Name] = f.Type
		}
	}

	kept := fields[:0:0]
	for _, f := range fields {
		if t, drop := unsupported[f]; drop {
			s.logger.Warn("bulk api cannot return field, excluding it",
				zap.String("stream", stream.Name()), zap.String("field", f), zap.String("type", t))
			continue
		}
		kept = append(kept, f)
	}
	return kept, nil
}
