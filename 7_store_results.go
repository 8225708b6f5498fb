package custseg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
	"gonum.org/v1/gonum/mat"
)

// ErrRunNotFound is returned when a run id is not in the store.
var ErrRunNotFound = errors.New("run not found")

// Supported store drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// StoreConfig selects the database holding segmentation runs.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RunRecord is one persisted segmentation run.
type RunRecord struct {
	ID         string
	CreatedAt  time.Time
	Clustering *Clustering
	Scaling    ScalingParameters
	Summaries  []ClusterSummary
	// Insights is nil when the run was stored without insights.
	Insights *InsightBatch
}

// RunInfo is the listing view of a stored run.
type RunInfo struct {
	ID         string
	CreatedAt  time.Time
	K          int
	Records    int
	Silhouette float64
}

// Report builds the printable report of a stored run.
func (r *RunRecord) Report(title string) *Report {
	total := 0
	if r.Clustering != nil {
		total = len(r.Clustering.Labels)
	}
	return &Report{
		Title:       title,
		RunID:       r.ID,
		GeneratedAt: r.CreatedAt,
		Clustering:  r.Clustering,
		Scaling:     r.Scaling,
		Total:       total,
		Summaries:   r.Summaries,
		Insights:    r.Insights,
	}
}

// Store persists segmentation runs in SQLite or PostgreSQL.
type Store struct {
	db     *sql.DB
	driver string
}

// OpenStore connects to the database and creates the schema if needed.
func OpenStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: unsupported store driver %q", ErrConfiguration, cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: store DSN is not set", ErrConfiguration)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}

	// PostgreSQL may still be starting when the CLI runs next to it.
	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(500*time.Millisecond))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			if cfg.Driver == DriverPostgres {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", cfg.Driver, err)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: migrate: %w", cfg.Driver, err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			k          INTEGER NOT NULL,
			seed       BIGINT NOT NULL,
			records    INTEGER NOT NULL,
			iterations INTEGER NOT NULL,
			converged  BOOLEAN NOT NULL,
			inertia    DOUBLE PRECISION NOT NULL,
			silhouette DOUBLE PRECISION NOT NULL,
			scaling    TEXT NOT NULL,
			centroids  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			row_index  INTEGER NOT NULL,
			cluster_id INTEGER NOT NULL,
			PRIMARY KEY (run_id, row_index)
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			cluster_id INTEGER NOT NULL,
			size       INTEGER NOT NULL,
			summary    TEXT NOT NULL,
			PRIMARY KEY (run_id, cluster_id)
		)`,
		`CREATE TABLE IF NOT EXISTS insights (
			run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			cluster_id INTEGER NOT NULL,
			status     TEXT NOT NULL,
			body       TEXT NOT NULL DEFAULT '',
			failure    TEXT NOT NULL DEFAULT '',
			attempts   INTEGER NOT NULL DEFAULT 0,
			elapsed_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, cluster_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to the driver's syntax.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
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

// SaveRun stores a run in a single transaction. An empty ID is replaced with
// a new UUID, which is returned.
func (s *Store) SaveRun(ctx context.Context, run *RunRecord) (string, error) {
	if run == nil || run.Clustering == nil {
		return "", fmt.Errorf("%w: no clustering to store", ErrPrecursorMissing)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	c := run.Clustering
	scaling, err := json.Marshal(run.Scaling)
	if err != nil {
		return "", fmt.Errorf("failed to marshal scaling parameters: %w", err)
	}
	centroids, err := json.Marshal(centroidRows(c.Centroids))
	if err != nil {
		return "", fmt.Errorf("failed to marshal centroids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (id, created_at, k, seed, records, iterations, converged, inertia, silhouette, scaling, centroids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.CreatedAt, c.K, c.Seed, len(c.Labels), c.Iterations, c.Converged, c.Inertia, c.Silhouette,
		string(scaling), string(centroids),
	); err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO assignments (run_id, row_index, cluster_id) VALUES (?, ?, ?)`))
	if err != nil {
		return "", fmt.Errorf("failed to prepare assignment insert: %w", err)
	}
	defer stmt.Close()
	for i, label := range c.Labels {
		if _, err := stmt.ExecContext(ctx, run.ID, i, label); err != nil {
			return "", fmt.Errorf("failed to insert assignment %d: %w", i, err)
		}
	}

	for _, summary := range run.Summaries {
		data, err := json.Marshal(summary)
		if err != nil {
			return "", fmt.Errorf("failed to marshal summary of cluster %d: %w", summary.ClusterID, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO summaries (run_id, cluster_id, size, summary) VALUES (?, ?, ?, ?)`),
			run.ID, summary.ClusterID, summary.Size, string(data),
		); err != nil {
			return "", fmt.Errorf("failed to insert summary of cluster %d: %w", summary.ClusterID, err)
		}
	}

	if run.Insights != nil {
		for _, ins := range run.Insights.Insights {
			errText := ""
			if ins.Err != nil {
				errText = ins.Err.Error()
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO insights (run_id, cluster_id, status, body, failure, attempts, elapsed_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				run.ID, ins.ClusterID, ins.Status.String(), ins.Text, errText, ins.Attempts, ins.Elapsed.Milliseconds(),
			); err != nil {
				return "", fmt.Errorf("failed to insert insight of cluster %d: %w", ins.ClusterID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}
	log.Printf("💾 Stored run %s (%d assignments, %d summaries)", run.ID, len(c.Labels), len(run.Summaries))
	return run.ID, nil
}

// LoadRun reads a stored run back.
func (s *Store) LoadRun(ctx context.Context, id string) (*RunRecord, error) {
	run := &RunRecord{ID: id, Clustering: &Clustering{}}
	c := run.Clustering
	var scaling, centroids string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT created_at, k, seed, iterations, converged, inertia, silhouette, scaling, centroids
		FROM runs WHERE id = ?`), id,
	).Scan(&run.CreatedAt, &c.K, &c.Seed, &c.Iterations, &c.Converged, &c.Inertia, &c.Silhouette, &scaling, &centroids)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(scaling), &run.Scaling); err != nil {
		return nil, fmt.Errorf("failed to parse scaling parameters: %w", err)
	}
	var rows [][]float64
	if err := json.Unmarshal([]byte(centroids), &rows); err != nil {
		return nil, fmt.Errorf("failed to parse centroids: %w", err)
	}
	c.Centroids = denseFromRows(rows)

	if err := s.loadAssignments(ctx, run); err != nil {
		return nil, err
	}
	if err := s.loadSummaries(ctx, run); err != nil {
		return nil, err
	}
	if err := s.loadInsights(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) loadAssignments(ctx context.Context, run *RunRecord) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT cluster_id FROM assignments WHERE run_id = ? ORDER BY row_index`), run.ID)
	if err != nil {
		return fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	c := run.Clustering
	c.Sizes = make([]int, c.K)
	for rows.Next() {
		var label int
		if err := rows.Scan(&label); err != nil {
			return fmt.Errorf("failed to scan assignment: %w", err)
		}
		c.Labels = append(c.Labels, label)
		if label >= 0 && label < c.K {
			c.Sizes[label]++
		}
	}
	return rows.Err()
}

func (s *Store) loadSummaries(ctx context.Context, run *RunRecord) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT summary FROM summaries WHERE run_id = ? ORDER BY cluster_id`), run.ID)
	if err != nil {
		return fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan summary: %w", err)
		}
		var summary ClusterSummary
		if err := json.Unmarshal([]byte(data), &summary); err != nil {
			return fmt.Errorf("failed to parse summary: %w", err)
		}
		run.Summaries = append(run.Summaries, summary)
	}
	return rows.Err()
}

func (s *Store) loadInsights(ctx context.Context, run *RunRecord) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT cluster_id, status, body, failure, attempts, elapsed_ms
		FROM insights WHERE run_id = ? ORDER BY cluster_id`), run.ID)
	if err != nil {
		return fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var batch InsightBatch
	for rows.Next() {
		var (
			ins             Insight
			status, errText string
			elapsedMillis   int64
		)
		if err := rows.Scan(&ins.ClusterID, &status, &ins.Text, &errText, &ins.Attempts, &elapsedMillis); err != nil {
			return fmt.Errorf("failed to scan insight: %w", err)
		}
		ins.Status = parseInsightStatus(status)
		ins.Elapsed = time.Duration(elapsedMillis) * time.Millisecond
		if errText != "" {
			ins.Err = errors.New(errText)
		}
		batch.Insights = append(batch.Insights, ins)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch.Insights) > 0 {
		run.Insights = &batch
	}
	return nil
}

// ListRuns returns stored runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, k, records, silhouette FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var r RunInfo
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.K, &r.Records, &r.Silhouette); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run with its assignments, summaries and insights.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"insights", "summaries", "assignments"} {
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM "+table+" WHERE run_id = ?"), id); err != nil {
			return fmt.Errorf("failed to delete %s of run %s: %w", table, id, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM runs WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return tx.Commit()
}

func parseInsightStatus(s string) InsightStatus {
	for _, status := range []InsightStatus{InsightGenerated, InsightFailed, InsightSkipped, InsightCancelled} {
		if status.String() == s {
			return status
		}
	}
	return 0
}

func centroidRows(m *mat.Dense) [][]float64 {
	if m == nil {
		return [][]float64{}
	}
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = append([]float64(nil), m.RawRowView(i)...)
	}
	return rows
}

func denseFromRows(rows [][]float64) *mat.Dense {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil
	}
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m
}
