package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateInitialRigorAndGetCurrent(t *testing.T) {
	s := tempDB(t)

	rec, err := s.CreateInitialRigor(DefaultRigorParameters())
	if err != nil {
		t.Fatalf("CreateInitialRigor: %v", err)
	}
	if rec.VersionID == "" {
		t.Fatal("expected non-empty version ID")
	}
	if rec.ParentID != "" {
		t.Fatalf("expected empty parent, got %s", rec.ParentID)
	}

	cur, err := s.GetCurrentRigor()
	if err != nil {
		t.Fatalf("GetCurrentRigor: %v", err)
	}
	if cur.VersionID != rec.VersionID {
		t.Fatalf("expected %s, got %s", rec.VersionID, cur.VersionID)
	}
	if cur.Params != DefaultRigorParameters() {
		t.Fatalf("params round trip mismatch: %+v", cur.Params)
	}
	if cur.Reason != "initial" {
		t.Fatalf("expected reason 'initial', got %q", cur.Reason)
	}
}

func TestGetCurrentRigorEmptyStore(t *testing.T) {
	s := tempDB(t)
	_, err := s.GetCurrentRigor()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitRigorChainsParentAndRollback(t *testing.T) {
	s := tempDB(t)

	v1, err := s.CreateInitialRigor(DefaultRigorParameters())
	if err != nil {
		t.Fatalf("CreateInitialRigor: %v", err)
	}

	tightened := DefaultRigorParameters()
	tightened.CurrentMargin = 0.7
	tightened.SafetyThreshold = 1.05
	v2, err := s.CommitRigor(tightened, "terrain_friction")
	if err != nil {
		t.Fatalf("CommitRigor: %v", err)
	}
	if v2.ParentID != v1.VersionID {
		t.Fatalf("expected parent %s, got %s", v1.VersionID, v2.ParentID)
	}

	cur, _ := s.GetCurrentRigor()
	if cur.VersionID != v2.VersionID {
		t.Fatalf("expected active %s, got %s", v2.VersionID, cur.VersionID)
	}
	if cur.Params.CurrentMargin != 0.7 {
		t.Fatalf("expected margin 0.7, got %f", cur.Params.CurrentMargin)
	}

	if err := s.Rollback(v1.VersionID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	cur, _ = s.GetCurrentRigor()
	if cur.VersionID != v1.VersionID {
		t.Fatalf("after rollback expected %s, got %s", v1.VersionID, cur.VersionID)
	}
}

func TestRollbackUnknownVersion(t *testing.T) {
	s := tempDB(t)
	if _, err := s.CreateInitialRigor(DefaultRigorParameters()); err != nil {
		t.Fatalf("CreateInitialRigor: %v", err)
	}
	err := s.Rollback("does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRigorVersionsNewestFirst(t *testing.T) {
	s := tempDB(t)
	if _, err := s.CreateInitialRigor(DefaultRigorParameters()); err != nil {
		t.Fatalf("CreateInitialRigor: %v", err)
	}
	p := DefaultRigorParameters()
	for i := 1; i <= 3; i++ {
		p.CurrentMargin += 0.1
		if _, err := s.CommitRigor(p, "one_off"); err != nil {
			t.Fatalf("CommitRigor %d: %v", i, err)
		}
	}

	versions, err := s.ListRigorVersions(10)
	if err != nil {
		t.Fatalf("ListRigorVersions: %v", err)
	}
	if len(versions) != 4 {
		t.Fatalf("expected 4 versions, got %d", len(versions))
	}
	if versions[0].Params.CurrentMargin <= versions[1].Params.CurrentMargin {
		t.Fatalf("expected newest first, got %.2f then %.2f",
			versions[0].Params.CurrentMargin, versions[1].Params.CurrentMargin)
	}

	limited, _ := s.ListRigorVersions(2)
	if len(limited) != 2 {
		t.Fatalf("expected limit 2, got %d", len(limited))
	}
}

func TestAppendAndListIncidents(t *testing.T) {
	s := tempDB(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.AppendIncident(IncidentRow{
		Cause:          "terrain_friction",
		MarginDelta:    0.2,
		MarginAfter:    0.7,
		ThresholdAfter: 1.05,
		Confidence:     0.9,
		SpeedLimit:     1.0,
		Justification:  "friction 0.30 below slippery threshold 0.60",
		OccurredAt:     at,
	})
	if err != nil {
		t.Fatalf("AppendIncident: %v", err)
	}
	if err := s.AppendIncident(IncidentRow{Cause: "one_off", MarginDelta: 0.1}); err != nil {
		t.Fatalf("AppendIncident: %v", err)
	}

	rows, err := s.ListIncidents(10)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(rows))
	}
	if rows[0].Cause != "one_off" {
		t.Errorf("expected newest incident first, got %s", rows[0].Cause)
	}
	if rows[0].IncidentID == "" {
		t.Error("expected generated incident id")
	}
	if !rows[1].OccurredAt.Equal(at) {
		t.Errorf("expected occurred_at %v, got %v", at, rows[1].OccurredAt)
	}
}

func TestInMemoryStoreSharesSchema(t *testing.T) {
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	if _, err := s.CreateInitialRigor(DefaultRigorParameters()); err != nil {
		t.Fatalf("CreateInitialRigor on :memory: %v", err)
	}
	rows, err := s.ListAudit("", 5)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty audit log, got %d rows", len(rows))
	}
}
