package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"seqreg/internal/config"
)

// Supported database/sql drivers.
const (
	DriverSQLite  = "sqlite"  // modernc, pure Go
	DriverSQLite3 = "sqlite3" // mattn, cgo
	DriverPgx     = "pgx"
)

// Store persists registration runs and the artifact decisions each run
// made. All methods are safe on a nil *Store and then do nothing.
type Store struct {
	DB     *sql.DB // Export for direct database access
	driver string
}

// New opens (or creates) the SQLite database at path and ensures schema.
func New(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Open connects with any supported driver and ensures schema.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverSQLite3, DriverPgx:
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db, driver: driver}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenConfig opens the ledger described by cfg. SQLite drivers fall back to
// paths.database_path when no DSN is given.
func OpenConfig(cfg *config.Config) (*Store, error) {
	dsn := cfg.Ledger.DSN
	if dsn == "" && cfg.Ledger.Driver != DriverPgx {
		dsn = cfg.Paths.DatabasePath
	}
	driver := cfg.Ledger.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	return Open(driver, dsn)
}

// Driver reports the database/sql driver in use.
func (s *Store) Driver() string { return s.driver }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS registration_runs (
            id TEXT PRIMARY KEY,
            trsf_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_json TEXT,
            output_dir TEXT,
            options_json TEXT,
            created_at TEXT NOT NULL,
            started_at TEXT,
            completed_at TEXT,
            error_message TEXT,
            meta_json TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_artifacts (
            run_id TEXT NOT NULL,
            stage TEXT NOT NULL,
            kind TEXT NOT NULL,
            path TEXT NOT NULL,
            float_step INTEGER NOT NULL,
            ref_step INTEGER NOT NULL,
            computed INTEGER NOT NULL,
            duration_ms BIGINT NOT NULL,
            recorded_at TEXT NOT NULL,
            PRIMARY KEY (run_id, stage, path)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_artifacts_path ON run_artifacts(path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPgx {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// RunRecord captures a persisted registration run.
type RunRecord struct {
	ID          string     `json:"id"`
	Type        string     `json:"trsf_type"`
	Status      string     `json:"status"`
	InputJSON   string     `json:"input,omitempty"`
	OutputDir   string     `json:"output_dir,omitempty"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ArtifactRecord captures one artifact decision of a run.
type ArtifactRecord struct {
	RunID      string        `json:"run_id"`
	Stage      string        `json:"stage"`
	Kind       string        `json:"kind"`
	Path       string        `json:"path"`
	Float      int           `json:"float"`
	Ref        int           `json:"ref"`
	Computed   bool          `json:"computed"`
	Duration   time.Duration `json:"duration_ns"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(s.rebind(`INSERT INTO registration_runs (id, trsf_type, status, input_json, output_dir, options_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET status=excluded.status, input_json=excluded.input_json,
            output_dir=excluded.output_dir, options_json=excluded.options_json;`),
		rec.ID, rec.Type, rec.Status, rec.InputJSON, rec.OutputDir, rec.OptionsJSON, now())
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(s.rebind(`UPDATE registration_runs SET status='running', started_at=? WHERE id=?;`), now(), id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(s.rebind(`UPDATE registration_runs SET status=?, completed_at=?, error_message=?, meta_json=? WHERE id=?;`),
		status, now(), errMsg, string(metaJSON), id)
	return err
}

const runColumns = `id, trsf_type, status, input_json, output_dir, options_json, created_at, started_at, completed_at, error_message`

func scanRun(sc interface{ Scan(...any) error }) (RunRecord, error) {
	var rec RunRecord
	var input, output, options, created, started, completed, errorMsg sql.NullString
	if err := sc.Scan(&rec.ID, &rec.Type, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.InputJSON, rec.OutputDir, rec.OptionsJSON, rec.Error = input.String, output.String, options.String, errorMsg.String
	if t := parseTime(created); t != nil {
		rec.CreatedAt = *t
	}
	rec.StartedAt = parseTime(started)
	rec.CompletedAt = parseTime(completed)
	return rec, nil
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(s.rebind(`SELECT `+runColumns+` FROM registration_runs ORDER BY created_at DESC LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	return scanRun(s.DB.QueryRow(s.rebind(`SELECT `+runColumns+` FROM registration_runs WHERE id=?;`), id))
}

// RunMeta fetches the meta blob recorded when a run finished.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON sql.NullString
	if err := s.DB.QueryRow(s.rebind(`SELECT meta_json FROM registration_runs WHERE id=?;`), id).Scan(&metaJSON); err != nil {
		return nil, err
	}
	if !metaJSON.Valid || metaJSON.String == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordArtifact stores an artifact decision, replacing an earlier record
// for the same run, stage and path.
func (s *Store) RecordArtifact(rec ArtifactRecord) error {
	if s == nil {
		return nil
	}
	computed := 0
	if rec.Computed {
		computed = 1
	}
	_, err := s.DB.Exec(s.rebind(`INSERT INTO run_artifacts (run_id, stage, kind, path, float_step, ref_step, computed, duration_ms, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (run_id, stage, path) DO UPDATE SET computed=excluded.computed,
            duration_ms=excluded.duration_ms, recorded_at=excluded.recorded_at;`),
		rec.RunID, rec.Stage, rec.Kind, rec.Path, rec.Float, rec.Ref, computed, rec.Duration.Milliseconds(), now())
	return err
}

// Artifacts lists the artifact decisions of a run in recording order.
func (s *Store) Artifacts(runID string) ([]ArtifactRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(s.rebind(`SELECT run_id, stage, kind, path, float_step, ref_step, computed, duration_ms, recorded_at
        FROM run_artifacts WHERE run_id=? ORDER BY recorded_at, path;`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ArtifactRecord
	for rows.Next() {
		var rec ArtifactRecord
		var computed int
		var ms int64
		var recorded sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Kind, &rec.Path, &rec.Float, &rec.Ref, &computed, &ms, &recorded); err != nil {
			return nil, err
		}
		rec.Computed = computed != 0
		rec.Duration = time.Duration(ms) * time.Millisecond
		if t := parseTime(recorded); t != nil {
			rec.RecordedAt = *t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
