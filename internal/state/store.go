package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS rigor_versions (
	version_id       TEXT PRIMARY KEY,
	parent_id        TEXT,
	alpha            REAL NOT NULL,
	min_margin       REAL NOT NULL,
	max_margin       REAL NOT NULL,
	current_margin   REAL NOT NULL,
	safety_threshold REAL NOT NULL,
	reason           TEXT,
	created_at       TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES rigor_versions(version_id)
);

CREATE TABLE IF NOT EXISTS active_rigor (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES rigor_versions(version_id)
);

CREATE TABLE IF NOT EXISTS incidents (
	incident_id      TEXT PRIMARY KEY,
	cause            TEXT NOT NULL,
	margin_delta     REAL NOT NULL,
	margin_after     REAL NOT NULL,
	threshold_after  REAL NOT NULL,
	confidence       REAL NOT NULL,
	speed_limit      REAL NOT NULL,
	justification    TEXT,
	occurred_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id     TEXT NOT NULL,
	kind          TEXT NOT NULL,
	cause         TEXT,
	message       TEXT,
	confidence    REAL,
	evidence_hash TEXT,
	payload_json  TEXT,
	created_at    TEXT NOT NULL
);
`

// #endregion schema

// #region row-types

// IncidentRow is the persisted form of a healing incident.
type IncidentRow struct {
	IncidentID     string    `json:"incident_id"`
	Cause          string    `json:"cause"`
	MarginDelta    float64   `json:"margin_delta"`
	MarginAfter    float64   `json:"margin_after"`
	ThresholdAfter float64   `json:"threshold_after"`
	Confidence     float64   `json:"confidence"`
	SpeedLimit     float64   `json:"speed_limit"`
	Justification  string    `json:"justification"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// AuditRow is one append-only audit_log entry.
type AuditRow struct {
	ID           int64
	RecordID     string
	Kind         string
	Cause        string
	Message      string
	Confidence   float64
	EvidenceHash string
	PayloadJSON  string
	CreatedAt    time.Time
}

// #endregion row-types

// #region store-struct

// Store keeps the certification evidence trail in SQLite: rigor parameter
// versions, incident records and audit rows. Nothing on the control tick
// touches it directly.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #region rigor-versions

// CreateInitialRigor stores p as a root version and marks it active.
func (s *Store) CreateInitialRigor(p RigorParameters) (RigorVersion, error) {
	rec := RigorVersion{
		VersionID: uuid.New().String(),
		Params:    p,
		Reason:    "initial",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.insertRigor(rec); err != nil {
		return RigorVersion{}, err
	}
	return rec, nil
}

// CommitRigor inserts a child version of the active one and marks it active.
func (s *Store) CommitRigor(p RigorParameters, reason string) (RigorVersion, error) {
	parent, err := s.GetCurrentRigor()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return RigorVersion{}, err
	}
	rec := RigorVersion{
		VersionID: uuid.New().String(),
		ParentID:  parent.VersionID,
		Params:    p,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.insertRigor(rec); err != nil {
		return RigorVersion{}, err
	}
	return rec, nil
}

func (s *Store) insertRigor(rec RigorVersion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parentPtr interface{}
	if rec.ParentID != "" {
		parentPtr = rec.ParentID
	}

	_, err = tx.Exec(
		`INSERT INTO rigor_versions (version_id, parent_id, alpha, min_margin, max_margin, current_margin, safety_threshold, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parentPtr, rec.Params.Alpha, rec.Params.MinMargin, rec.Params.MaxMargin,
		rec.Params.CurrentMargin, rec.Params.SafetyThreshold, rec.Reason,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert rigor version: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_rigor (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		rec.VersionID,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	return tx.Commit()
}

// GetCurrentRigor reads the active rigor version.
func (s *Store) GetCurrentRigor() (RigorVersion, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_rigor WHERE id = 1`).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return RigorVersion{}, fmt.Errorf("get active: %w", ErrNotFound)
	}
	if err != nil {
		return RigorVersion{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetRigorVersion(versionID)
}

// GetRigorVersion retrieves a specific rigor version by ID.
func (s *Store) GetRigorVersion(id string) (RigorVersion, error) {
	row := s.db.QueryRow(
		`SELECT version_id, parent_id, alpha, min_margin, max_margin, current_margin, safety_threshold, reason, created_at
		 FROM rigor_versions WHERE version_id = ?`, id,
	)
	rec, err := scanRigor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RigorVersion{}, fmt.Errorf("get version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return RigorVersion{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return rec, nil
}

// Rollback sets the active pointer to a previous version.
func (s *Store) Rollback(targetVersionID string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM rigor_versions WHERE version_id = ?`, targetVersionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("version %s: %w", targetVersionID, ErrNotFound)
	}

	_, err = s.db.Exec(`UPDATE active_rigor SET version_id = ? WHERE id = 1`, targetVersionID)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// ListRigorVersions returns the most recent rigor versions, newest first.
func (s *Store) ListRigorVersions(limit int) ([]RigorVersion, error) {
	rows, err := s.db.Query(
		`SELECT version_id, parent_id, alpha, min_margin, max_margin, current_margin, safety_threshold, reason, created_at
		 FROM rigor_versions ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []RigorVersion
	for rows.Next() {
		rec, err := scanRigor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRigor(r rowScanner) (RigorVersion, error) {
	var rec RigorVersion
	var parentID, reason sql.NullString
	var createdStr string
	err := r.Scan(&rec.VersionID, &parentID, &rec.Params.Alpha, &rec.Params.MinMargin, &rec.Params.MaxMargin,
		&rec.Params.CurrentMargin, &rec.Params.SafetyThreshold, &reason, &createdStr)
	if err != nil {
		return RigorVersion{}, err
	}
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	if reason.Valid {
		rec.Reason = reason.String
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// #endregion rigor-versions

// #region incidents

// AppendIncident stores a healing incident. Incidents are never updated.
func (s *Store) AppendIncident(row IncidentRow) error {
	if row.IncidentID == "" {
		row.IncidentID = uuid.New().String()
	}
	if row.OccurredAt.IsZero() {
		row.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO incidents (incident_id, cause, margin_delta, margin_after, threshold_after, confidence, speed_limit, justification, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.IncidentID, row.Cause, row.MarginDelta, row.MarginAfter, row.ThresholdAfter,
		row.Confidence, row.SpeedLimit, row.Justification, row.OccurredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// ListIncidents returns the most recent incidents, newest first.
func (s *Store) ListIncidents(limit int) ([]IncidentRow, error) {
	rows, err := s.db.Query(
		`SELECT incident_id, cause, margin_delta, margin_after, threshold_after, confidence, speed_limit, justification, occurred_at
		 FROM incidents ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []IncidentRow
	for rows.Next() {
		var r IncidentRow
		var justification sql.NullString
		var occurred string
		if err := rows.Scan(&r.IncidentID, &r.Cause, &r.MarginDelta, &r.MarginAfter, &r.ThresholdAfter,
			&r.Confidence, &r.SpeedLimit, &justification, &occurred); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		if justification.Valid {
			r.Justification = justification.String
		}
		r.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurred)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion incidents

// #region audit

// ListAudit returns audit rows of the given kind ("" for all), newest first.
func (s *Store) ListAudit(kind string, limit int) ([]AuditRow, error) {
	query := `SELECT id, record_id, kind, cause, message, confidence, evidence_hash, payload_json, created_at
		FROM audit_log`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var cause, message, hash, payload sql.NullString
		var confidence sql.NullFloat64
		var created string
		if err := rows.Scan(&r.ID, &r.RecordID, &r.Kind, &cause, &message, &confidence, &hash, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		r.Cause = cause.String
		r.Message = message.String
		r.Confidence = confidence.Float64
		r.EvidenceHash = hash.String
		r.PayloadJSON = payload.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion audit
