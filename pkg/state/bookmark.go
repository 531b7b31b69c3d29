package state

import (
	"bytes"
	"sort"

	"github.com/ajitpratap0/tap-salesforce/pkg/json"
)

// Reserved bookmark keys. Any other key holds the replication key value.
const (
	keyVersion           = "version"
	keyJobID             = "JobID"
	keyBatchIDs          = "BatchIDs"
	keyJobHighest        = "JobHighestBookmarkSeen"
	keyFullTableComplete = "initial_full_table_complete"
)

// Bookmark is one stream's persisted position.
type Bookmark struct {
	// ReplicationKey names the field Value belongs to.
	ReplicationKey string
	Value          string
	Version        *int64
	JobID          string
	BatchIDs       []string
	// JobHighest is the newest replication key value seen in an unordered job.
	JobHighest               string
	InitialFullTableComplete bool
}

// MarshalJSON writes the bookmark keyed by its replication key name.
func (b Bookmark) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 6)
	if b.ReplicationKey != "" && b.Value != "" {
		m[b.ReplicationKey] = b.Value
	}
	if b.Version != nil {
		m[keyVersion] = *b.Version
	}
	if b.JobID != "" {
		m[keyJobID] = b.JobID
		m[keyBatchIDs] = b.BatchIDs
	}
	if b.JobHighest != "" {
		m[keyJobHighest] = b.JobHighest
	}
	if b.InitialFullTableComplete {
		m[keyFullTableComplete] = true
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the reserved keys and treats the remaining string key as the replication key.
func (b *Bookmark) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = Bookmark{}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := raw[k]
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		var err error
		switch k {
		case keyVersion:
			var n int64
			err = json.Unmarshal(v, &n)
			b.Version = &n
		case keyJobID:
			err = json.Unmarshal(v, &b.JobID)
		case keyBatchIDs:
			err = json.Unmarshal(v, &b.BatchIDs)
		case keyJobHighest:
			err = json.Unmarshal(v, &b.JobHighest)
		case keyFullTableComplete:
			err = json.Unmarshal(v, &b.InitialFullTableComplete)
		default:
			var s string
			if json.Unmarshal(v, &s) == nil && b.ReplicationKey == "" {
				b.ReplicationKey, b.Value = k, s
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Bookmark) clone() *Bookmark {
	c := *b
	if b.Version != nil {
		v := *b.Version
		c.Version = &v
	}
	c.BatchIDs = append([]string(nil), b.BatchIDs...)
	return &c
}

// State is the document emitted in STATE messages.
type State struct {
	Bookmarks     map[string]*Bookmark `json:"bookmarks"`
	CurrentStream string               `json:"current_stream,omitempty"`
}
