package state

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	startDate = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	syncStart = time.Date(2022, 5, 2, 12, 15, 0, 0, time.UTC)
)

func newStore() *Store {
	return NewStore(startDate, 10*time.Second, syncStart, nil, nil)
}

func TestAdvanceIsMonotonicAndBoundedBySyncStart(t *testing.T) {
	s := newStore()
	t1 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value time.Time
		moved bool
		want  time.Time
	}{
		{"first value", t1, true, t1},
		{"older value ignored", t1.Add(-time.Hour), false, t1},
		{"equal value ignored", t1, false, t1},
		{"newer value", t1.Add(time.Hour), true, t1.Add(time.Hour)},
		{"after sync start ignored", syncStart.Add(time.Second), false, t1.Add(time.Hour)},
		{"exactly sync start", syncStart, true, syncStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.moved, s.Advance("Account", "SystemModstamp", tt.value))
			got, ok := s.Value("Account")
			require.True(t, ok)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestEffectiveStartAppliesLookbackWithoutAccumulating(t *testing.T) {
	s := newStore()
	assert.Equal(t, startDate, s.EffectiveStart("Account"))

	bm := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	s.Advance("Account", "SystemModstamp", bm)
	assert.Equal(t, bm.Add(-10*time.Second), s.EffectiveStart("Account"))
	assert.Equal(t, bm.Add(-10*time.Second), s.EffectiveStart("Account"))

	s.Advance("Early", "SystemModstamp", startDate.Add(5*time.Second))
	assert.Equal(t, startDate, s.EffectiveStart("Early"))
}

func TestResetOnlyAffectsOneStream(t *testing.T) {
	s := newStore()
	s.Advance("Account", "SystemModstamp", startDate.Add(48*time.Hour))
	s.Advance("Contact", "SystemModstamp", startDate.Add(72*time.Hour))

	s.Reset("Account")
	assert.Equal(t, startDate, s.EffectiveStart("Account"))
	_, ok := s.Get("Contact")
	assert.True(t, ok)
}

func TestJobAndBatchBookkeeping(t *testing.T) {
	s := newStore()
	s.SetJob("Account", "750x", []string{"751a", "751b"})

	s.RemoveBatch("Account", "751a")
	b, _ := s.Get("Account")
	assert.Equal(t, "750x", b.JobID)
	assert.Equal(t, []string{"751b"}, b.BatchIDs)

	s.RemoveBatch("Account", "751b")
	b, _ = s.Get("Account")
	assert.Empty(t, b.JobID)
	assert.Empty(t, b.BatchIDs)
}

func TestHighestSeenCommittedAtJobEnd(t *testing.T) {
	s := newStore()
	t1 := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	s.ObserveHighest("Account", t1)
	s.ObserveHighest("Account", t1.Add(-time.Hour))
	s.ObserveHighest("Account", t1.Add(time.Hour))

	_, ok := s.Value("Account")
	assert.False(t, ok)

	s.CommitHighest("Account", "SystemModstamp")
	got, ok := s.Value("Account")
	require.True(t, ok)
	assert.True(t, got.Equal(t1.Add(time.Hour)))
	b, _ := s.Get("Account")
	assert.Empty(t, b.JobHighest)
}

func TestStateRoundTripsSingerShape(t *testing.T) {
	doc := `{"bookmarks":{"Account":{"SystemModstamp":"2021-01-01T00:00:00.000000Z","version":1650000000000,"JobID":"750x","BatchIDs":["751a"]},
		"UserRole":{"version":1650000000001,"initial_full_table_complete":true}},"current_stream":"Account"}`

	s := newStore()
	require.NoError(t, s.Restore([]byte(doc)))

	assert.Equal(t, "Account", s.CurrentStream())
	b, ok := s.Get("Account")
	require.True(t, ok)
	assert.Equal(t, "SystemModstamp", b.ReplicationKey)
	assert.Equal(t, "750x", b.JobID)
	v, _ := s.TableVersion("Account")
	assert.Equal(t, int64(1650000000000), v)
	assert.True(t, s.FullTableComplete("UserRole"))

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, doc, string(data))
}

func TestStartTableVersionIncreases(t *testing.T) {
	s := newStore()
	now := time.UnixMilli(1650000000000)
	s.now = func() time.Time { return now }

	v1 := s.StartTableVersion("UserRole")
	v2 := s.StartTableVersion("UserRole")
	assert.Equal(t, int64(1650000000000), v1)
	assert.Greater(t, v2, v1)
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend := &FileBackend{Path: path}

	data, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, data)

	s := NewStore(startDate, 0, syncStart, backend, nil)
	s.Advance("Account", "SystemModstamp", startDate.Add(time.Hour))
	require.NoError(t, s.Persist(context.Background()))

	restored := NewStore(startDate, 0, syncStart, backend, nil)
	require.NoError(t, restored.Load(context.Background()))
	assert.Equal(t, startDate.Add(time.Hour), restored.EffectiveStart("Account"))
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Backend(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	backend := NewS3Backend(client, "taps", "salesforce/state.json")

	data, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, backend.Save(context.Background(), []byte(`{"bookmarks":{}}`)))
	data, err = backend.Load(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmarks":{}}`, string(data))
}
