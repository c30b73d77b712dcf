package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// Sink exports audit records. Export is only ever called from the pipeline
// goroutine, never from the control tick.
type Sink interface {
	Export(ctx context.Context, rec AuditRecord) error
}

// #region jsonl-sink
// JSONLinesSink writes one JSON object per line.
type JSONLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLinesSink wraps w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{enc: json.NewEncoder(w)}
}

// Export encodes rec as a single line.
func (s *JSONLinesSink) Export(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	return nil
}

// #endregion jsonl-sink

// #region sqlite-sink
// LogRecord writes one audit record to the audit_log table.
func LogRecord(ctx context.Context, db *sql.DB, rec AuditRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	var payload string
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = string(b)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_log (record_id, kind, cause, message, confidence, evidence_hash, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		string(rec.Kind),
		nullIfEmpty(rec.Cause),
		nullIfEmpty(rec.Message),
		rec.Confidence,
		nullIfEmpty(rec.EvidenceHash),
		nullIfEmpty(payload),
		rec.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log audit record: %w", err)
	}
	return nil
}

// #endregion sqlite-sink

// #region store-sink
// StoreSink writes every record to audit_log and additionally materialises
// incident rows and rigor versions carried as typed payloads.
type StoreSink struct {
	store *state.Store
}

// NewStoreSink wraps an open evidence store.
func NewStoreSink(store *state.Store) *StoreSink {
	return &StoreSink{store: store}
}

// Export inserts rec and any table row its payload describes.
func (s *StoreSink) Export(ctx context.Context, rec AuditRecord) error {
	if err := LogRecord(ctx, s.store.DB(), rec); err != nil {
		return err
	}
	switch p := rec.Payload.(type) {
	case state.IncidentRow:
		if err := s.store.AppendIncident(p); err != nil {
			return fmt.Errorf("materialise incident: %w", err)
		}
	case state.RigorParameters:
		if _, err := s.store.CommitRigor(p, rec.Message); err != nil {
			return fmt.Errorf("materialise rigor version: %w", err)
		}
	}
	return nil
}

// #endregion store-sink

// #region multi-sink
// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

// Export writes rec to each sink in order.
func (m MultiSink) Export(ctx context.Context, rec AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Export(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// #endregion multi-sink

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
