// Package state keeps per-stream bookmarks and persists them between runs.
//
// The Store is the single owner of the bookmark document. Replication key
// values only move forward and are never recorded past the moment the sync
// started, so rows modified while the sync runs are picked up again next time.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/json"
	"go.uber.org/zap"
)

// TimeLayout is how replication key values are written to bookmarks.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Store owns the bookmark document for one run.
type Store struct {
	startDate time.Time
	lookback  time.Duration
	syncStart time.Time
	backend   Backend
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// NewStore creates an empty store. backend may be nil.
func NewStore(startDate time.Time, lookback time.Duration, syncStart time.Time, backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		startDate: startDate,
		lookback:  lookback,
		syncStart: syncStart,
		backend:   backend,
		logger:    logger.With(zap.String("component", "bookmark_store")),
		now:       time.Now,
		state:     State{Bookmarks: map[string]*Bookmark{}},
	}
}

// Restore replaces the document with a serialized state.
func (s *Store) Restore(data []byte) error {
	var st State
	if len(data) > 0 {
		if err := json.Unmarshal(data, &st); err != nil {
			return errors.Wrap(err, errors.ErrorTypeState, "decoding state")
		}
	}
	if st.Bookmarks == nil {
		st.Bookmarks = map[string]*Bookmark{}
	}
	for name, b := range st.Bookmarks {
		if b == nil {
			delete(st.Bookmarks, name)
		}
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

// Load restores from the backend. A missing document leaves the store empty.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	data, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("loaded state", zap.String("backend", s.backend.Name()), zap.Int("bytes", len(data)))
	return s.Restore(data)
}

// Persist writes the document to the backend, if any.
func (s *Store) Persist(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, data)
}

// Snapshot returns a deep copy of the document.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := State{Bookmarks: make(map[string]*Bookmark, len(s.state.Bookmarks)), CurrentStream: s.state.CurrentStream}
	for name, b := range s.state.Bookmarks {
		out.Bookmarks[name] = b.clone()
	}
	return out
}

// MarshalJSON serializes the document.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// Get returns a copy of a stream's bookmark.
func (s *Store) Get(stream string) (Bookmark, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.Bookmarks[stream]
	if !ok {
		return Bookmark{}, false
	}
	return *b.clone(), true
}

func (s *Store) bookmark(stream string) *Bookmark {
	b, ok := s.state.Bookmarks[stream]
	if !ok {
		b = &Bookmark{}
		s.state.Bookmarks[stream] = b
	}
	return b
}

// Value returns the parsed replication key value of a stream.
func (s *Store) Value(stream string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valueLocked(stream)
}

func (s *Store) valueLocked(stream string) (time.Time, bool) {
	b, ok := s.state.Bookmarks[stream]
	if !ok || b.Value == "" {
		return time.Time{}, false
	}
	t, err := config.ParseTime(b.Value)
	if err != nil {
		s.logger.Warn("ignoring unparseable bookmark", zap.String("stream", stream), zap.String("value", b.Value))
		return time.Time{}, false
	}
	return t, true
}

// Advance records value for stream if it is newer than the stored value and
// not after the sync start. It reports whether the bookmark moved.
func (s *Store) Advance(stream, replicationKey string, value time.Time) bool {
	if value.After(s.syncStart) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.valueLocked(stream); ok && !value.After(cur) {
		return false
	}
	b := s.bookmark(stream)
	b.ReplicationKey = replicationKey
	b.Value = value.UTC().Format(TimeLayout)
	return true
}

// Reset forgets one stream's bookmark; its next sync starts at start_date.
func (s *Store) Reset(stream string) {
	s.mu.Lock()
	delete(s.state.Bookmarks, stream)
	s.mu.Unlock()
}

// EffectiveStart is the later of start_date and the bookmark minus the
// lookback window. The lookback is applied to the stored value on every
// call and never written back.
func (s *Store) EffectiveStart(stream string) time.Time {
	v, ok := s.Value(stream)
	if !ok {
		return s.startDate
	}
	if start := v.Add(-s.lookback); start.After(s.startDate) {
		return start
	}
	return s.startDate
}

// SyncStart returns the upper bound for persisted bookmarks.
func (s *Store) SyncStart() time.Time { return s.syncStart }

// StartTableVersion assigns a fresh table version to a stream.
func (s *Store) StartTableVersion(stream string) int64 {
	v := s.now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookmark(stream)
	if b.Version != nil && *b.Version >= v {
		v = *b.Version + 1
	}
	b.Version = &v
	return v
}

// TableVersion returns the stored table version.
func (s *Store) TableVersion(stream string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.Bookmarks[stream]
	if !ok || b.Version == nil {
		return 0, false
	}
	return *b.Version, true
}

// SetJob records an open bulk job and its outstanding batches.
func (s *Store) SetJob(stream, jobID string, batchIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookmark(stream)
	b.JobID = jobID
	b.BatchIDs = append([]string(nil), batchIDs...)
}

// RemoveBatch drops a finished batch; the job id is cleared with the last one.
func (s *Store) RemoveBatch(stream, batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.Bookmarks[stream]
	if !ok {
		return
	}
	kept := b.BatchIDs[:0]
	for _, id := range b.BatchIDs {
		if id != batchID {
			kept = append(kept, id)
		}
	}
	b.BatchIDs = kept
	if len(kept) == 0 {
		b.JobID = ""
		b.BatchIDs = nil
	}
}

// ClearJob discards job state, e.g. when the job no longer exists.
func (s *Store) ClearJob(stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.state.Bookmarks[stream]; ok {
		b.JobID = ""
		b.BatchIDs = nil
		b.JobHighest = ""
	}
}

// ObserveHighest tracks the newest value seen in an unordered job.
func (s *Store) ObserveHighest(stream string, value time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookmark(stream)
	if b.JobHighest != "" {
		if cur, err := config.ParseTime(b.JobHighest); err == nil && !value.After(cur) {
			return
		}
	}
	b.JobHighest = value.UTC().Format(TimeLayout)
}

// CommitHighest advances the bookmark to the tracked highest value once no
// batch of the job can still emit an older row.
func (s *Store) CommitHighest(stream, replicationKey string) {
	s.mu.Lock()
	b, ok := s.state.Bookmarks[stream]
	var highest string
	if ok {
		highest = b.JobHighest
		b.JobHighest = ""
	}
	s.mu.Unlock()

	if highest == "" {
		return
	}
	if t, err := config.ParseTime(highest); err == nil {
		s.Advance(stream, replicationKey, t)
	}
}

// CurrentStream returns the stream an interrupted run was syncing.
func (s *Store) CurrentStream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentStream
}

// SetCurrentStream records the stream being synced; "" clears it.
func (s *Store) SetCurrentStream(stream string) {
	s.mu.Lock()
	s.state.CurrentStream = stream
	s.mu.Unlock()
}

// FullTableComplete reports whether a full-table stream finished at least once.
func (s *Store) FullTableComplete(stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.Bookmarks[stream]
	return ok && b.InitialFullTableComplete
}

// MarkFullTableComplete records a completed full-table sync.
func (s *Store) MarkFullTableComplete(stream string) {
	s.mu.Lock()
	s.bookmark(stream).InitialFullTableComplete = true
	s.mu.Unlock()
}
