package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/storage/models"
	"github.com/dora-agent/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// DB exposes the underlying handle so the execution adapter can run
// gate-approved queries against the same warehouse file.
func (c *Client) DB() *sql.DB {
	return c.db
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		ts INTEGER NOT NULL,
		status TEXT NOT NULL,
		lead_time_hours REAL,
		deployed_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_deployments_ts ON deployments(ts);
	CREATE INDEX IF NOT EXISTS idx_deployments_service ON deployments(service);

	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		opened_at INTEGER NOT NULL,
		restored_at INTEGER,
		restore_hours REAL,
		severity TEXT,
		reported_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_opened ON incidents(opened_at);

	CREATE TABLE IF NOT EXISTS changes (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		merged_at INTEGER NOT NULL,
		lead_time_hours REAL
	);
	CREATE INDEX IF NOT EXISTS idx_changes_merged ON changes(merged_at);

	CREATE TABLE IF NOT EXISTS schema_catalog (
		table_name TEXT NOT NULL,
		column_name TEXT NOT NULL,
		column_type TEXT NOT NULL,
		sensitive INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (table_name, column_name)
	);

	CREATE TABLE IF NOT EXISTS turn_history (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		utterance TEXT NOT NULL,
		intent_category TEXT,
		confidence REAL,
		status TEXT NOT NULL,
		response TEXT,
		failure_reason TEXT,
		attempts INTEGER,
		exec_attempts INTEGER,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turn_history(session_id);
	CREATE INDEX IF NOT EXISTS idx_turns_created ON turn_history(created_at);

	CREATE TABLE IF NOT EXISTS turn_candidates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		turn_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		query_text TEXT NOT NULL,
		allowed INTEGER NOT NULL,
		reason TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (turn_id) REFERENCES turn_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_candidates_turn ON turn_candidates(turn_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// SeedCatalog registers the warehouse tables in the schema catalog. The
// catalog is the only source the classifier, synthesizer and gate read;
// tables absent from it are invisible to the pipeline.
func (c *Client) SeedCatalog() error {
	columns := []models.CatalogColumn{
		{TableName: "deployments", ColumnName: "id", ColumnType: "TEXT"},
		{TableName: "deployments", ColumnName: "service", ColumnType: "TEXT"},
		{TableName: "deployments", ColumnName: "ts", ColumnType: "INTEGER"},
		{TableName: "deployments", ColumnName: "status", ColumnType: "TEXT"},
		{TableName: "deployments", ColumnName: "lead_time_hours", ColumnType: "REAL"},
		{TableName: "deployments", ColumnName: "deployed_by", ColumnType: "TEXT", Sensitive: true},
		{TableName: "incidents", ColumnName: "id", ColumnType: "TEXT"},
		{TableName: "incidents", ColumnName: "service", ColumnType: "TEXT"},
		{TableName: "incidents", ColumnName: "opened_at", ColumnType: "INTEGER"},
		{TableName: "incidents", ColumnName: "restored_at", ColumnType: "INTEGER"},
		{TableName: "incidents", ColumnName: "restore_hours", ColumnType: "REAL"},
		{TableName: "incidents", ColumnName: "severity", ColumnType: "TEXT"},
		{TableName: "incidents", ColumnName: "reported_by", ColumnType: "TEXT", Sensitive: true},
		{TableName: "changes", ColumnName: "id", ColumnType: "TEXT"},
		{TableName: "changes", ColumnName: "service", ColumnType: "TEXT"},
		{TableName: "changes", ColumnName: "merged_at", ColumnType: "INTEGER"},
		{TableName: "changes", ColumnName: "lead_time_hours", ColumnType: "REAL"},
	}

	for _, col := range columns {
		if err := c.UpsertCatalogColumn(&col); err != nil {
			return err
		}
	}

	logger.Info("Schema catalog seeded", zap.Int("columns", len(columns)))
	return nil
}

func (c *Client) UpsertCatalogColumn(col *models.CatalogColumn) error {
	query := `
		INSERT INTO schema_catalog (table_name, column_name, column_type, sensitive)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, column_name) DO UPDATE SET
			column_type = excluded.column_type,
			sensitive = excluded.sensitive
	`

	sensitive := 0
	if col.Sensitive {
		sensitive = 1
	}

	_, err := c.db.Exec(query, col.TableName, col.ColumnName, col.ColumnType, sensitive)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog column: %w", err)
	}

	return nil
}

func (c *Client) ListCatalog() ([]models.CatalogColumn, error) {
	query := `SELECT table_name, column_name, column_type, sensitive FROM schema_catalog ORDER BY table_name, column_name`

	rows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	defer rows.Close()

	var columns []models.CatalogColumn
	for rows.Next() {
		var col models.CatalogColumn
		var sensitive int

		err := rows.Scan(&col.TableName, &col.ColumnName, &col.ColumnType, &sensitive)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		col.Sensitive = sensitive == 1
		columns = append(columns, col)
	}

	return columns, nil
}

func (c *Client) InsertTurnRecord(record *models.TurnRecord) error {
	query := `
		INSERT INTO turn_history (id, session_id, utterance, intent_category, confidence, status,
			response, failure_reason, attempts, exec_attempts, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		record.ID,
		record.SessionID,
		record.Utterance,
		record.IntentCategory,
		record.Confidence,
		record.Status,
		record.Response,
		record.FailureReason,
		record.Attempts,
		record.ExecAttempts,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert turn record: %w", err)
	}

	logger.Info("Turn recorded",
		zap.String("turn_id", record.ID),
		zap.String("session_id", record.SessionID),
		zap.String("status", record.Status),
	)

	return nil
}

func (c *Client) InsertCandidateRecord(record *models.CandidateRecord) error {
	query := `INSERT INTO turn_candidates (turn_id, attempt, query_text, allowed, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	allowed := 0
	if record.Allowed {
		allowed = 1
	}

	_, err := c.db.Exec(
		query,
		record.TurnID,
		record.Attempt,
		record.QueryText,
		allowed,
		record.Reason,
		time.Now().Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert candidate record: %w", err)
	}

	return nil
}

func (c *Client) GetTurnHistory(sessionID string, limit int) ([]models.TurnRecord, error) {
	query := `
		SELECT id, utterance, intent_category, confidence, status, response, created_at
		FROM turn_history
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get turn history: %w", err)
	}
	defer rows.Close()

	var records []models.TurnRecord
	for rows.Next() {
		var r models.TurnRecord
		var createdAt int64

		err := rows.Scan(&r.ID, &r.Utterance, &r.IntentCategory, &r.Confidence, &r.Status, &r.Response, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.SessionID = sessionID
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, nil
}
