package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	start := time.Date(2019, 2, 4, 12, 15, 0, 0, time.UTC)
	end := time.Date(2022, 5, 2, 12, 15, 0, 0, time.UTC)

	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{
			name: "incremental window ordered",
			spec: Spec{Object: "Account", Fields: []string{"Id", "Name", "SystemModstamp"}, PrimaryKey: "Id",
				ReplicationKey: "SystemModstamp", Start: start, End: end, Ordered: true},
			want: "SELECT Id,Name,SystemModstamp FROM Account WHERE SystemModstamp >= 2019-02-04T12:15:00Z AND SystemModstamp < 2022-05-02T12:15:00Z ORDER BY SystemModstamp ASC, Id ASC",
		},
		{
			name: "full table ordered by key",
			spec: Spec{Object: "UserRole", Fields: []string{"Id", "Name"}, PrimaryKey: "Id", Ordered: true},
			want: "SELECT Id,Name FROM UserRole ORDER BY Id ASC",
		},
		{
			name: "bulk id range unordered",
			spec: Spec{Object: "Contact", Fields: []string{"Id"}, PrimaryKey: "Id",
				Where: IDRange{Start: "003000000000000", End: "00300000000001b"}.Where("Id")},
			want: "SELECT Id FROM Contact WHERE Id >= '003000000000000' AND Id <= '00300000000001b'",
		},
		{
			name: "open ended window",
			spec: Spec{Object: "Lead", Fields: []string{"Id"}, ReplicationKey: "LastModifiedDate", Start: start},
			want: "SELECT Id FROM Lead WHERE LastModifiedDate >= 2019-02-04T12:15:00Z",
		},
	}
	p := NewPlanner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Build(tt.spec))
		})
	}
}

func manyFields(n int) []string {
	fields := []string{"Id", "SystemModstamp"}
	for i := 0; i < n; i++ {
		fields = append(fields, fmt.Sprintf("Custom_Field_%03d__c", i))
	}
	return fields
}

func TestPlanFitsInOneQuery(t *testing.T) {
	plan, err := NewPlanner().Plan(Spec{Stream: "Account", Object: "Account", Fields: manyFields(10), PrimaryKey: "Id"})
	require.NoError(t, err)
	assert.False(t, plan.Chunked())
}

func TestPlanChunksLongQueries(t *testing.T) {
	p := NewPlannerWithLimit(400)
	spec := Spec{Stream: "Account", Object: "Account", Fields: manyFields(60), PrimaryKey: "Id", ReplicationKey: "SystemModstamp"}
	plan, err := p.Plan(spec)
	require.NoError(t, err)
	require.True(t, plan.Chunked())

	seen := map[string]int{}
	for _, q := range plan.Queries {
		assert.LessOrEqual(t, len(q.SOQL), 400)
		assert.Equal(t, []string{"Id", "SystemModstamp"}, q.Fields[:2])
		assert.Contains(t, q.SOQL, "ORDER BY SystemModstamp ASC, Id ASC")
		for _, f := range q.Fields {
			seen[f]++
		}
	}
	for _, f := range spec.Fields {
		if f == "Id" || f == "SystemModstamp" {
			assert.Equal(t, len(plan.Queries), seen[f])
			continue
		}
		assert.Equal(t, 1, seen[f], f)
	}
}

func TestPlanTooLongWithoutPrimaryKey(t *testing.T) {
	_, err := NewPlannerWithLimit(200).Plan(Spec{Stream: "Log", Object: "Log", Fields: manyFields(30)})
	var tooLong *errors.QueryTooLongError
	require.ErrorAs(t, err, &tooLong)
	assert.Equal(t, "Log", tooLong.Stream)
	assert.Equal(t, errors.ClassFatal, errors.Classify(err))
}

func TestPlanFieldTooLongAlone(t *testing.T) {
	fields := []string{"Id", strings.Repeat("X", 300) + "__c", "Name"}
	_, err := NewPlannerWithLimit(200).Plan(Spec{Stream: "Account", Object: "Account", Fields: fields, PrimaryKey: "Id"})
	var tooLong *errors.QueryTooLongError
	require.ErrorAs(t, err, &tooLong)
	assert.Contains(t, tooLong.Reason, "does not fit")
}

type slicePager struct {
	mu    sync.Mutex
	pages [][]map[string]any
	calls int
}

func (s *slicePager) NextPage(context.Context) ([]map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.pages) {
		return nil, false, nil
	}
	p := s.pages[s.calls]
	s.calls++
	return p, s.calls < len(s.pages), nil
}

func rows(field string, ids ...string) []map[string]any {
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"Id": id, field: field + "-" + id}
	}
	return out
}

func TestMergeZipsChunksAcrossUnevenPages(t *testing.T) {
	a := &slicePager{pages: [][]map[string]any{rows("A", "1", "2"), rows("A", "3")}}
	b := &slicePager{pages: [][]map[string]any{rows("B", "1"), rows("B", "2", "3")}}

	var got []map[string]any
	err := Merge(context.Background(), "Account", "Id", []Pager{a, b}, func(r map[string]any) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, map[string]any{"Id": "2", "A": "A-2", "B": "B-2"}, got[1])
}

func TestMergeMismatch(t *testing.T) {
	tests := []struct {
		name string
		a, b [][]map[string]any
		pos  int
	}{
		{"different key", [][]map[string]any{rows("A", "1", "2")}, [][]map[string]any{rows("B", "1", "9")}, 1},
		{"different length", [][]map[string]any{rows("A", "1", "2")}, [][]map[string]any{rows("B", "1")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Merge(context.Background(), "Account", "Id",
				[]Pager{&slicePager{pages: tt.a}, &slicePager{pages: tt.b}},
				func(map[string]any) error { return nil })
			var mismatch *errors.PrimaryKeyMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, tt.pos, mismatch.Position)
		})
	}
}

func TestBase62RoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 61, 62, 3843, 1 << 40, 13537086546263551} {
		enc := EncodeBase62(n, 9)
		assert.Len(t, enc, 9)
		dec, err := DecodeBase62(enc)
		require.NoError(t, err)
		assert.Equal(t, n, dec)
	}
	assert.Equal(t, "000000010", EncodeBase62(62, 9))
	assert.Equal(t, "00000000z", EncodeBase62(61, 9))

	_, err := DecodeBase62("00-")
	assert.Error(t, err)
}

func TestChunkIDRangeContiguousAndCovering(t *testing.T) {
	tests := []struct {
		start, end string
		size       int
		chunks     int
	}{
		{"001000000000000", "001000000000009", 3, 4},
		{"001000000000000", "00100000000000z", 62, 1},
		{"001000000000000", "00100000000001z", 62, 2},
		{"0015000000AbCdE", "0015000000AbCdE", 10, 1},
		{"001000000000000AAA", "001000000001000AAA", 1000, 239},
	}
	for _, tt := range tests {
		t.Run(tt.start+"-"+tt.end, func(t *testing.T) {
			ranges, err := ChunkIDRange(tt.start, tt.end, tt.size)
			require.NoError(t, err)
			require.Len(t, ranges, tt.chunks)

			assert.Equal(t, tt.start[:15], ranges[0].Start)
			assert.Equal(t, tt.end[:15], ranges[len(ranges)-1].End)
			var total uint64
			for i, r := range ranges {
				lo, _ := DecodeBase62(r.Start[6:])
				hi, _ := DecodeBase62(r.End[6:])
				require.LessOrEqual(t, lo, hi)
				assert.LessOrEqual(t, hi-lo+1, uint64(tt.size))
				total += hi - lo + 1
				if i > 0 {
					prev, _ := DecodeBase62(ranges[i-1].End[6:])
					assert.Equal(t, prev+1, lo)
				}
			}
			first, _ := DecodeBase62(tt.start[6:15])
			last, _ := DecodeBase62(tt.end[6:15])
			assert.Equal(t, last-first+1, total)
		})
	}
}

func TestChunkIDRangeRejectsBadInput(t *testing.T) {
	_, err := ChunkIDRange("001000000000000", "003000000000000", 10)
	assert.Error(t, err)
	_, err = ChunkIDRange("0010000", "001000000000000", 10)
	assert.Error(t, err)
	_, err = ChunkIDRange("001000000000009", "001000000000000", 10)
	assert.Error(t, err)
	_, err = ChunkIDRange("001000000000000", "001000000000009", 0)
	assert.Error(t, err)
}
