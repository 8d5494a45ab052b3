package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits event records. Implementations are safe for concurrent use.
type Writer interface {
	WriteJob(ctx context.Context, rec *JobRecord) error
	WriteProbe(ctx context.Context, rec *ProbeRecord) error
	WriteSummary(ctx context.Context, rec *SummaryRecord) error
	WriteError(ctx context.Context, rec *ErrorRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w      io.Writer
	runID  string
	mu     sync.Mutex
	closed bool
	now    func() time.Time
}

// NewJSONLWriter creates a writer stamping every record with runID.
func NewJSONLWriter(w io.Writer, runID string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, now: time.Now}
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, rec *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, rec)
}

func (jw *JSONLWriter) WriteProbe(ctx context.Context, rec *ProbeRecord) error {
	return jw.writeRecord(ctx, TypeProbe, rec)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

// Close marks the writer closed. The underlying io.Writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		RunID: jw.runID,
		Data:  dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may legally return a short write with a nil error.
	line = append(line, '\n')
	if err := writeAll(jw.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record.
var Discard Writer = discard{}

type discard struct{}

func (discard) WriteJob(context.Context, *JobRecord) error         { return nil }
func (discard) WriteProbe(context.Context, *ProbeRecord) error     { return nil }
func (discard) WriteSummary(context.Context, *SummaryRecord) error { return nil }
func (discard) WriteError(context.Context, *ErrorRecord) error     { return nil }
func (discard) Close() error                                       { return nil }

var _ Writer = (*JSONLWriter)(nil)
