package salesforce

import (
	"context"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/bulk"
	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/clients"
	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/query"
	"github.com/ajitpratap0/tap-salesforce/pkg/transform"
	"go.uber.org/zap"
)

// run is the extraction of a single stream.
type run struct {
	source *Source
	stream *catalog.Stream
	schema *catalog.Schema
	fields []string
	log    *zap.Logger

	// version stamps every record of the run.
	version *int64
	// ordered is true when rows arrive sorted by replication key, so the
	// bookmark may advance per record.
	ordered bool

	total      int
	sinceState int
}

func (r *run) name() string { return r.stream.Name() }

func (r *run) spec(start, end time.Time) query.Spec {
	return query.Spec{
		Stream:         r.name(),
		Object:         r.stream.Object(),
		Fields:         r.fields,
		PrimaryKey:     r.stream.PrimaryKey(),
		ReplicationKey: r.stream.ReplicationKey(),
		Start:          start,
		End:            end,
		Ordered:        r.ordered,
	}
}

// emit transforms one raw row, writes it and moves the bookmark.
func (r *run) emit(raw map[string]any) error {
	s := r.source
	rec, err := transform.Transform(raw, r.schema)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "transforming record").WithDetail("stream", r.name())
	}
	if err := s.writer.WriteRecord(r.name(), rec, r.version, s.now().UTC()); err != nil {
		return err
	}
	r.total++

	if rk := r.stream.ReplicationKey(); r.stream.Incremental() {
		if v, ok := rec[rk].(string); ok {
			t, err := config.ParseTime(v)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "parsing replication key").
					WithDetail("stream", r.name()).WithDetail("value", v)
			}
			if r.ordered {
				s.store.Advance(r.name(), rk, t)
			} else {
				s.store.ObserveHighest(r.name(), t)
			}
		}
	}

	r.sinceState++
	if r.sinceState >= StateEvery {
		return r.checkpoint()
	}
	return nil
}

// checkpoint emits the current state.
func (r *run) checkpoint() error {
	r.sinceState = 0
	return r.source.writeState()
}

func (r *run) incremental(ctx context.Context) error {
	s := r.source
	name, rk := r.name(), r.stream.ReplicationKey()
	r.ordered = !s.cfg.IsBulk()

	version, ok := s.store.TableVersion(name)
	if !ok {
		version = s.store.StartTableVersion(name)
	}
	r.version = &version
	if err := s.writer.WriteActivateVersion(name, version); err != nil {
		return err
	}

	if s.cfg.IsBulk() {
		resumed, err := s.bulk.Resume(ctx, name, r.emit, s.store, r.checkpoint)
		if err != nil {
			return err
		}
		if resumed {
			s.store.CommitHighest(name, rk)
			if err := r.checkpoint(); err != nil {
				return err
			}
		}
	}

	start, end := s.store.EffectiveStart(name), s.store.SyncStart()
	if !start.Before(end) {
		r.log.Info("bookmark is at sync start, nothing to extract", zap.Time("start", start))
		return nil
	}
	r.log.Info("extracting incrementally",
		zap.String("replication_key", rk), zap.Time("start", start), zap.Time("end", end))

	return s.windower.Extract(ctx, name, start, end, func(ctx context.Context, ws, we time.Time) (int, error) {
		if s.cfg.IsBulk() {
			return r.bulkExtract(ctx, r.spec(ws, we))
		}
		return r.restExtract(ctx, r.spec(ws, we))
	})
}

func (r *run) fullTable(ctx context.Context) error {
	s := r.source
	name := r.name()

	b, _ := s.store.Get(name)
	version, ok := s.store.TableVersion(name)
	if !ok || b.JobID == "" {
		version = s.store.StartTableVersion(name)
	}
	r.version = &version
	r.ordered = !s.cfg.IsBulk()

	// A completed first sync already activated a version; only the closing one is sent.
	if !s.store.FullTableComplete(name) {
		if err := s.writer.WriteActivateVersion(name, version); err != nil {
			return err
		}
	}
	r.log.Info("extracting full table", zap.Int64("version", version))

	var err error
	if s.cfg.IsBulk() {
		err = r.fullTableBulk(ctx)
	} else {
		_, err = r.restExtract(ctx, r.spec(time.Time{}, time.Time{}))
	}
	if err != nil {
		return err
	}

	s.store.MarkFullTableComplete(name)
	return s.writer.WriteActivateVersion(name, version)
}

func (r *run) fullTableBulk(ctx context.Context) error {
	s := r.source
	resumed, err := s.bulk.Resume(ctx, r.name(), r.emit, s.store, r.checkpoint)
	if err != nil || resumed {
		return err
	}

	spec := r.spec(time.Time{}, time.Time{})
	chunked := s.cfg.PKChunking && spec.PrimaryKey != ""
	emitted, err := r.bulkExtract(ctx, spec)
	if err == nil || chunked || spec.PrimaryKey == "" || emitted > 0 ||
		errors.Classify(err) != errors.ClassQueryTimeout {
		return err
	}

	r.log.Warn("full table bulk query timed out, retrying in primary key ranges", zap.Error(err))
	queries, err := s.bulk.IDRangeQueries(ctx, s.planner, spec, s.cfg.ChunkSize)
	if err != nil {
		return err
	}
	return s.bulk.Run(ctx, bulk.Job{Stream: r.name(), Object: spec.Object, Queries: queries, Emit: r.emit},
		s.store, r.checkpoint)
}

// bulkExtract runs one bulk job for spec and reports how many records it emitted.
func (r *run) bulkExtract(ctx context.Context, spec query.Spec) (int, error) {
	s := r.source
	queries := []string{s.planner.Build(spec)}
	if s.cfg.PKChunking && spec.PrimaryKey != "" {
		var err error
		if queries, err = s.bulk.IDRangeQueries(ctx, s.planner, spec, s.cfg.ChunkSize); err != nil {
			return 0, err
		}
	}

	before := r.total
	err := s.bulk.Run(ctx, bulk.Job{Stream: spec.Stream, Object: spec.Object, Queries: queries, Emit: r.emit},
		s.store, r.checkpoint)
	emitted := r.total - before
	if err != nil {
		return emitted, err
	}
	if r.stream.Incremental() {
		s.store.CommitHighest(spec.Stream, spec.ReplicationKey)
	}
	return emitted, r.checkpoint()
}

// restExtract pages through the planned queries, merging field chunks by
// primary key when the selection does not fit in one query.
func (r *run) restExtract(ctx context.Context, spec query.Spec) (int, error) {
	s := r.source
	plan, err := s.planner.Plan(spec)
	if err != nil {
		return 0, err
	}

	before := r.total
	if !plan.Chunked() {
		err = r.page(ctx, spec.Stream, plan.Queries[0].SOQL)
		return r.total - before, err
	}

	r.log.Info("selection exceeds query length, merging field chunks", zap.Int("chunks", len(plan.Queries)))
	pagers := make([]query.Pager, len(plan.Queries))
	for i, q := range plan.Queries {
		pagers[i] = &restPager{client: s.client, stream: spec.Stream, soql: q.SOQL}
	}
	err = query.Merge(ctx, spec.Stream, spec.PrimaryKey, pagers, r.emit)
	return r.total - before, err
}

func (r *run) page(ctx context.Context, stream, soql string) error {
	p := &restPager{client: r.source.client, stream: stream, soql: soql}
	for {
		records, more, err := p.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := r.emit(rec); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
	}
}

// restPager walks one query through its nextRecordsUrl continuation.
type restPager struct {
	client  *clients.APIClient
	stream  string
	soql    string
	next    string
	started bool
}

func (p *restPager) NextPage(ctx context.Context) ([]map[string]any, bool, error) {
	var (
		page *clients.QueryPage
		err  error
	)
	if !p.started {
		p.started = true
		page, err = p.client.Query(ctx, p.stream, p.soql)
	} else {
		if p.next == "" {
			return nil, false, nil
		}
		page, err = p.client.QueryMore(ctx, p.stream, p.next)
	}
	if err != nil {
		return nil, false, err
	}
	p.next = page.NextRecordsURL
	more := !page.Done && p.next != ""
	return page.Records, more, nil
}
