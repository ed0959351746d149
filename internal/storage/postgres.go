package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"emr-query-engine/internal/confidence"
	"emr-query-engine/pkg/types"
)

// EvaluationFilter narrows and pages an evaluation listing
type EvaluationFilter struct {
	QueryID   string
	Evaluator string
	MinRating int
	Limit     int
	Offset    int
}

// EvaluationStore persists human ratings of produced answers
type EvaluationStore interface {
	SaveEvaluation(ctx context.Context, eval *types.Evaluation) error
	ListEvaluations(ctx context.Context, filter EvaluationFilter) ([]types.Evaluation, error)
}

const defaultListLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS evaluations (
	evaluation_id TEXT PRIMARY KEY,
	query_id      TEXT NOT NULL,
	evaluator     TEXT NOT NULL,
	rating        INT  NOT NULL CHECK (rating BETWEEN 1 AND 5),
	comment       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_query_id ON evaluations (query_id);

CREATE TABLE IF NOT EXISTS confidence_metrics (
	conversation_id  TEXT NOT NULL,
	extraction_index INT  NOT NULL,
	retrieval        DOUBLE PRECISION NOT NULL,
	source           DOUBLE PRECISION NOT NULL,
	extraction       DOUBLE PRECISION NOT NULL,
	consistency      DOUBLE PRECISION NOT NULL,
	overall          DOUBLE PRECISION NOT NULL,
	recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, extraction_index, recorded_at)
);
`

// PostgresStore persists evaluations and confidence metrics
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, verifies connectivity, and applies
// the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// SaveEvaluation inserts one evaluation, minting its ID and timestamp when
// absent.
func (s *PostgresStore) SaveEvaluation(ctx context.Context, eval *types.Evaluation) error {
	if eval.EvaluationID == "" {
		eval.EvaluationID = "eval_" + uuid.New().String()
	}
	if eval.CreatedAt.IsZero() {
		eval.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (evaluation_id, query_id, evaluator, rating, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		eval.EvaluationID, eval.QueryID, eval.Evaluator, eval.Rating, eval.Comment, eval.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// ListEvaluations returns evaluations matching the filter, newest first
func (s *PostgresStore) ListEvaluations(ctx context.Context, filter EvaluationFilter) ([]types.Evaluation, error) {
	var conditions []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, clause+"$"+strconv.Itoa(len(args)))
	}
	if filter.QueryID != "" {
		add("query_id = ", filter.QueryID)
	}
	if filter.Evaluator != "" {
		add("evaluator = ", filter.Evaluator)
	}
	if filter.MinRating > 0 {
		add("rating >= ", filter.MinRating)
	}

	query := `SELECT evaluation_id, query_id, evaluator, rating, comment, created_at FROM evaluations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))
	args = append(args, filter.Offset)
	query += " OFFSET $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Evaluation
	for rows.Next() {
		var eval types.Evaluation
		if err := rows.Scan(&eval.EvaluationID, &eval.QueryID, &eval.Evaluator,
			&eval.Rating, &eval.Comment, &eval.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		out = append(out, eval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate evaluations: %w", err)
	}
	return out, nil
}

// SaveConfidenceMetrics inserts calibration metrics in one transaction
func (s *PostgresStore) SaveConfidenceMetrics(ctx context.Context, metrics []confidence.Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO confidence_metrics (conversation_id, extraction_index, retrieval, source, extraction, consistency, overall, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("failed to prepare metric insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, m.ConversationID, m.ExtractionIndex,
			m.Factors.Retrieval, m.Factors.Source, m.Factors.Extraction,
			m.Factors.Consistency, m.Overall, now); err != nil {
			return fmt.Errorf("failed to insert confidence metric: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics: %w", err)
	}
	return nil
}

// Close closes the underlying database pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
