package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dora-agent/backend/internal/storage/models"
	"github.com/dora-agent/backend/pkg/logger"
	"github.com/dora-agent/backend/pkg/utils"
)

// Lister is the catalog collaborator contract: a flat listing of queryable
// columns with sensitivity flags.
type Lister interface {
	ListCatalog() ([]models.CatalogColumn, error)
}

type Column struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Sensitive bool   `json:"sensitive"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Snapshot is an immutable view of the catalog at one refresh. Pipeline
// components hold the snapshot they started the turn with; a concurrent
// refresh never mutates it.
type Snapshot struct {
	Version string           `json:"version"`
	Tables  map[string]Table `json:"tables"`
}

func (s *Snapshot) HasTable(table string) bool {
	_, ok := s.Tables[strings.ToLower(table)]
	return ok
}

func (s *Snapshot) HasColumn(table, column string) bool {
	t, ok := s.Tables[strings.ToLower(table)]
	if !ok {
		return false
	}
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, column) {
			return true
		}
	}
	return false
}

func (s *Snapshot) IsSensitive(table, column string) bool {
	t, ok := s.Tables[strings.ToLower(table)]
	if !ok {
		return false
	}
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, column) {
			return c.Sensitive
		}
	}
	return false
}

// AllowList returns every known identifier, lowercased: table names and
// column names. The gate validates candidate references against this set.
func (s *Snapshot) AllowList() map[string]bool {
	allowed := make(map[string]bool)
	for name, table := range s.Tables {
		allowed[name] = true
		for _, c := range table.Columns {
			allowed[strings.ToLower(c.Name)] = true
		}
	}
	return allowed
}

// SensitiveColumns returns qualified "table.column" keys for every column
// flagged sensitive.
func (s *Snapshot) SensitiveColumns() map[string]bool {
	sensitive := make(map[string]bool)
	for name, table := range s.Tables {
		for _, c := range table.Columns {
			if c.Sensitive {
				sensitive[name+"."+strings.ToLower(c.Name)] = true
			}
		}
	}
	return sensitive
}

func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog caches the latest snapshot and refreshes it on demand.
// Concurrent refreshes are collapsed into one listing call.
type Catalog struct {
	lister Lister
	group  singleflight.Group

	mu       sync.RWMutex
	snapshot *Snapshot
}

func NewCatalog(lister Lister) *Catalog {
	return &Catalog{lister: lister}
}

// Snapshot returns the cached snapshot, refreshing it first if none has
// been loaded yet.
func (c *Catalog) Snapshot() (*Snapshot, error) {
	c.mu.RLock()
	snap := c.snapshot
	c.mu.RUnlock()

	if snap != nil {
		return snap, nil
	}
	return c.Refresh()
}

func (c *Catalog) Refresh() (*Snapshot, error) {
	result, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		columns, err := c.lister.ListCatalog()
		if err != nil {
			return nil, fmt.Errorf("failed to refresh catalog: %w", err)
		}
		if len(columns) == 0 {
			return nil, fmt.Errorf("catalog is empty")
		}

		snap := buildSnapshot(columns)

		c.mu.Lock()
		c.snapshot = snap
		c.mu.Unlock()

		logger.Info("Schema catalog refreshed",
			zap.String("version", snap.Version),
			zap.Int("tables", len(snap.Tables)),
		)

		return snap, nil
	})

	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

func buildSnapshot(columns []models.CatalogColumn) *Snapshot {
	tables := make(map[string]Table)

	var fingerprint strings.Builder
	for _, col := range columns {
		tableName := strings.ToLower(col.TableName)
		table := tables[tableName]
		table.Name = tableName
		table.Columns = append(table.Columns, Column{
			Name:      strings.ToLower(col.ColumnName),
			Type:      col.ColumnType,
			Sensitive: col.Sensitive,
		})
		tables[tableName] = table

		fingerprint.WriteString(tableName)
		fingerprint.WriteString(".")
		fingerprint.WriteString(strings.ToLower(col.ColumnName))
		fingerprint.WriteString(";")
	}

	return &Snapshot{
		Version: utils.HashString(fingerprint.String()),
		Tables:  tables,
	}
}
