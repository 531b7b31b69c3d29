// Package messages writes the SCHEMA, RECORD, STATE and ACTIVATE_VERSION
// message stream consumed by the downstream target.
package messages

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/json"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
	"github.com/klauspost/compress/gzip"
)

// Message types.
const (
	TypeSchema          = "SCHEMA"
	TypeRecord          = "RECORD"
	TypeState           = "STATE"
	TypeActivateVersion = "ACTIVATE_VERSION"
)

// RecordTimeLayout formats time_extracted.
const RecordTimeLayout = "2006-01-02T15:04:05.000000Z"

// Schema announces a stream's schema before its records.
type Schema struct {
	Type               string   `json:"type"`
	Stream             string   `json:"stream"`
	Schema             any      `json:"schema"`
	KeyProperties      []string `json:"key_properties"`
	BookmarkProperties []string `json:"bookmark_properties,omitempty"`
}

// Record carries one row.
type Record struct {
	Type          string         `json:"type"`
	Stream        string         `json:"stream"`
	Record        map[string]any `json:"record"`
	Version       *int64         `json:"version,omitempty"`
	TimeExtracted string         `json:"time_extracted,omitempty"`
}

// State carries the bookmark document.
type State struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// ActivateVersion tells the target that a table version is complete.
type ActivateVersion struct {
	Type    string `json:"type"`
	Stream  string `json:"stream"`
	Version int64  `json:"version"`
}

// Writer serializes messages one per line. Safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	out     *bufio.Writer
	closers []io.Closer
	records int64
}

// NewWriter writes messages to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: bufio.NewWriterSize(w, 64*1024)}
}

// Open writes to path. "" and "-" mean stdout; a ".gz" suffix compresses the output.
func Open(path string) (*Writer, error) {
	if path == "" || path == "-" {
		return NewWriter(os.Stdout), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "creating output file").WithDetail("path", path)
	}
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(f)
		w := NewWriter(zw)
		w.closers = []io.Closer{zw, f}
		return w, nil
	}
	w := NewWriter(f)
	w.closers = []io.Closer{f}
	return w, nil
}

func (w *Writer) write(msg any) error {
	buf := json.GetBuffer()
	defer json.PutBuffer(buf)

	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "encoding message")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "writing message")
	}
	return nil
}

// WriteSchema emits a SCHEMA message.
func (w *Writer) WriteSchema(stream string, schema any, keyProperties, bookmarkProperties []string) error {
	if keyProperties == nil {
		keyProperties = []string{}
	}
	return w.write(Schema{
		Type:               TypeSchema,
		Stream:             stream,
		Schema:             schema,
		KeyProperties:      keyProperties,
		BookmarkProperties: bookmarkProperties,
	})
}

// WriteRecord emits a RECORD message. version may be nil for incremental streams.
func (w *Writer) WriteRecord(stream string, record map[string]any, version *int64, extracted time.Time) error {
	msg := Record{Type: TypeRecord, Stream: stream, Record: record, Version: version}
	if !extracted.IsZero() {
		msg.TimeExtracted = extracted.UTC().Format(RecordTimeLayout)
	}
	if err := w.write(msg); err != nil {
		return err
	}
	metrics.RecordsEmitted.WithLabelValues(stream).Inc()
	w.mu.Lock()
	w.records++
	w.mu.Unlock()
	return nil
}

// WriteState emits a STATE message and flushes, so the target sees state
// only after every record that precedes it.
func (w *Writer) WriteState(value any) error {
	if err := w.write(State{Type: TypeState, Value: value}); err != nil {
		return err
	}
	return w.Flush()
}

// WriteActivateVersion emits an ACTIVATE_VERSION message.
func (w *Writer) WriteActivateVersion(stream string, version int64) error {
	return w.write(ActivateVersion{Type: TypeActivateVersion, Stream: stream, Version: version})
}

// Records returns the number of RECORD messages written.
func (w *Writer) Records() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Flush writes buffered messages through.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.out.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "flushing messages")
	}
	return nil
}

// Close flushes and closes any files opened by Open.
func (w *Writer) Close() error {
	err := w.Flush()
	for _, c := range w.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, errors.ErrorTypeFile, "closing output")
		}
	}
	w.closers = nil
	return err
}
