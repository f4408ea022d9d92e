package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dora-agent/backend/pkg/circuitbreaker"
	"github.com/dora-agent/backend/pkg/logger"
)

var (
	// Transient errors, consumed by the execution-retry budget.
	ErrTimeout    = errors.New("execution timed out")
	ErrConnection = errors.New("warehouse connection failed")

	// ErrMalformed means a query the gate approved was rejected by the
	// warehouse. That should not happen if the gate is correct; callers
	// treat it as an internal-invariant violation, not a transient fault.
	ErrMalformed = errors.New("malformed query reached execution")
)

type ResultSet struct {
	Columns   []string
	Rows      [][]interface{}
	RowCount  int
	Truncated bool
}

// Adapter executes a gate-approved query. Implementations must distinguish
// transient from permanent failures through the sentinel errors above.
type Adapter interface {
	Execute(ctx context.Context, query string, params []interface{}, rowLimit int, timeout time.Duration) (*ResultSet, error)
}

// Warehouse runs sanitized queries against the analytics database. Each
// call is a single attempt guarded by a circuit breaker; the orchestrator
// owns the retry budget.
type Warehouse struct {
	db *sql.DB
	cb *circuitbreaker.CircuitBreaker
}

func NewWarehouse(db *sql.DB) *Warehouse {
	cb := circuitbreaker.NewCircuitBreaker("warehouse", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	return &Warehouse{db: db, cb: cb}
}

func (w *Warehouse) Execute(ctx context.Context, query string, params []interface{}, rowLimit int, timeout time.Duration) (*ResultSet, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result *ResultSet

	err := w.cb.Execute(ctx, func() error {
		rows, err := w.db.QueryContext(ctx, query, params...)
		if err != nil {
			return classifyError(err)
		}
		defer rows.Close()

		result, err = scanRows(rows, rowLimit)
		if err != nil {
			return classifyError(err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	logger.Debug("Query executed",
		zap.Int("rows", result.RowCount),
		zap.Bool("truncated", result.Truncated),
	)

	return result, nil
}

func scanRows(rows *sql.Rows, rowLimit int) (*ResultSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &ResultSet{Columns: columns}

	for rows.Next() {
		if result.RowCount >= rowLimit {
			result.Truncated = true
			break
		}

		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}

		result.Rows = append(result.Rows, values)
		result.RowCount++
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Hitting the limit means the query may have been cut short; the
	// insight layer reports totals as possibly incomplete.
	if rowLimit > 0 && result.RowCount >= rowLimit {
		result.Truncated = true
	}

	return result, nil
}

func classifyError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case isConnectionError(err):
		return fmt.Errorf("%w: %v", ErrConnection, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "unable to open database") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "bad connection")
}

// IsTransient reports whether the error should consume the execution-retry
// budget rather than fail the turn outright.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}
