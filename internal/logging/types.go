package logging

import "time"

// #region kind
// Kind classifies an audit record.
type Kind string

const (
	KindCertificate Kind = "certificate"
	KindViolation   Kind = "violation"
	KindIncident    Kind = "incident"
	KindReasoning   Kind = "reasoning"
	KindGate        Kind = "gate"
	KindTransition  Kind = "transition"
	KindRigor       Kind = "rigor"
)

// #endregion kind

// #region audit-record
// AuditRecord is a single line of the evidence trail. Records are
// timestamped and append-only.
type AuditRecord struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	At           time.Time `json:"at"`
	Cause        string    `json:"cause,omitempty"`
	Message      string    `json:"message,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	EvidenceHash string    `json:"evidence_hash,omitempty"`
	Payload      any       `json:"payload,omitempty"`
}

// #endregion audit-record

// #region pipeline-config
// Config controls the bounded queue and export behaviour.
type Config struct {
	QueueCapacity int
	ExportTimeout time.Duration
	// CertificateSampleRate keeps every Nth certificate record; other kinds
	// are never sampled.
	CertificateSampleRate int
}

// DefaultConfig returns queue settings sized for a 20 Hz tick.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:         1024,
		ExportTimeout:         200 * time.Millisecond,
		CertificateSampleRate: 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueCapacity < 1 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = d.ExportTimeout
	}
	if c.CertificateSampleRate < 1 {
		c.CertificateSampleRate = 1
	}
	return c
}

// Stats captures pipeline counters.
type Stats struct {
	Enqueued       uint64 `json:"enqueued"`
	Dropped        uint64 `json:"dropped"`
	SampledDropped uint64 `json:"sampled_dropped"`
	Exported       uint64 `json:"exported"`
	ExportFailures uint64 `json:"export_failures"`
	QueueDepth     int    `json:"queue_depth"`
}

// #endregion pipeline-config
