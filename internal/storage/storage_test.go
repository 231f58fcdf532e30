package storage

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"seqreg/internal/config"
)

func openTemp(t *testing.T, driver string) *Store {
	t.Helper()
	s, err := Open(driver, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		if strings.Contains(err.Error(), "cgo") || strings.Contains(err.Error(), "CGO") {
			t.Skipf("%s unavailable: %v", driver, err)
		}
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	for _, driver := range []string{DriverSQLite, DriverSQLite3} {
		t.Run(driver, func(t *testing.T) {
			s := openTemp(t, driver)
			if err := s.RecordRunQueued(RunRecord{ID: "r1", Type: "rigid", Status: "queued", OutputDir: "/out"}); err != nil {
				t.Fatal(err)
			}
			if err := s.RecordRunStart("r1"); err != nil {
				t.Fatal(err)
			}
			if err := s.RecordRunResult("r1", "completed", map[string]any{"computed": 3}, ""); err != nil {
				t.Fatal(err)
			}
			rec, err := s.Run("r1")
			if err != nil {
				t.Fatal(err)
			}
			if rec.Status != "completed" || rec.StartedAt == nil || rec.CompletedAt == nil || rec.OutputDir != "/out" {
				t.Fatalf("unexpected record %+v", rec)
			}
			meta, err := s.RunMeta("r1")
			if err != nil || meta["computed"] != float64(3) {
				t.Fatalf("meta %v err %v", meta, err)
			}
		})
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	s := openTemp(t, DriverSQLite)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.RecordRunQueued(RunRecord{ID: id, Type: "affine", Status: "queued"}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	recs, err := s.RecentRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "c" || recs[1].ID != "b" {
		t.Fatalf("unexpected order %+v", recs)
	}
}

func TestArtifactsUpsert(t *testing.T) {
	s := openTemp(t, DriverSQLite)
	rec := ArtifactRecord{RunID: "r1", Stage: "compose", Kind: "transform", Path: "/out/a.trsf", Float: 0, Ref: 10, Computed: true, Duration: 1500 * time.Millisecond}
	if err := s.RecordArtifact(rec); err != nil {
		t.Fatal(err)
	}
	rec.Computed = false
	rec.Duration = 0
	if err := s.RecordArtifact(rec); err != nil {
		t.Fatal(err)
	}
	recs, err := s.Artifacts("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Computed || recs[0].Ref != 10 {
		t.Fatalf("unexpected artifacts %+v", recs)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRunStart("x"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordArtifact(ArtifactRecord{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("queries on nil store should fail")
	}
}

func TestRebindForPostgres(t *testing.T) {
	s := &Store{driver: DriverPgx}
	if got := s.rebind("UPDATE t SET a=? WHERE id=?;"); got != "UPDATE t SET a=$1 WHERE id=$2;" {
		t.Fatalf("got %q", got)
	}
	if got := (&Store{driver: DriverSQLite}).rebind("a=?"); got != "a=?" {
		t.Fatalf("sqlite placeholders must be kept")
	}
}

func TestOpenConfigDefaultsToDatabasePath(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger.Driver = ""
	cfg.Ledger.DSN = ""
	cfg.Paths.DatabasePath = filepath.Join(t.TempDir(), "seqreg.db")
	s, err := OpenConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Driver() != DriverSQLite {
		t.Fatalf("driver %q", s.Driver())
	}
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatalf("unsupported driver should fail")
	}
}
