package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dora-agent/backend/internal/storage/models"
)

type fakeLister struct {
	columns []models.CatalogColumn
	err     error
	calls   int
}

func (f *fakeLister) ListCatalog() ([]models.CatalogColumn, error) {
	f.calls++
	return f.columns, f.err
}

func testColumns() []models.CatalogColumn {
	return []models.CatalogColumn{
		{TableName: "deployments", ColumnName: "id", ColumnType: "TEXT"},
		{TableName: "deployments", ColumnName: "ts", ColumnType: "INTEGER"},
		{TableName: "deployments", ColumnName: "deployed_by", ColumnType: "TEXT", Sensitive: true},
		{TableName: "incidents", ColumnName: "id", ColumnType: "TEXT"},
	}
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	catalog := NewCatalog(&fakeLister{columns: testColumns()})

	snap, err := catalog.Refresh()
	require.NoError(t, err)

	assert.True(t, snap.HasTable("deployments"))
	assert.True(t, snap.HasColumn("deployments", "ts"))
	assert.False(t, snap.HasColumn("deployments", "salary"))
	assert.True(t, snap.IsSensitive("deployments", "deployed_by"))
	assert.False(t, snap.IsSensitive("deployments", "id"))
	assert.NotEmpty(t, snap.Version)
}

func TestSnapshotLazilyRefreshes(t *testing.T) {
	lister := &fakeLister{columns: testColumns()}
	catalog := NewCatalog(lister)

	first, err := catalog.Snapshot()
	require.NoError(t, err)

	second, err := catalog.Snapshot()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, lister.calls, "a loaded snapshot is served from memory")
}

func TestVersionTracksCatalogContents(t *testing.T) {
	catalog := NewCatalog(&fakeLister{columns: testColumns()})
	snap1, err := catalog.Refresh()
	require.NoError(t, err)

	grown := append(testColumns(), models.CatalogColumn{
		TableName: "changes", ColumnName: "id", ColumnType: "TEXT",
	})
	catalog2 := NewCatalog(&fakeLister{columns: grown})
	snap2, err := catalog2.Refresh()
	require.NoError(t, err)

	assert.NotEqual(t, snap1.Version, snap2.Version)
}

func TestRefreshKeepsOldSnapshotImmutable(t *testing.T) {
	lister := &fakeLister{columns: testColumns()}
	catalog := NewCatalog(lister)

	old, err := catalog.Refresh()
	require.NoError(t, err)

	lister.columns = append(lister.columns, models.CatalogColumn{
		TableName: "changes", ColumnName: "id", ColumnType: "TEXT",
	})
	fresh, err := catalog.Refresh()
	require.NoError(t, err)

	assert.False(t, old.HasTable("changes"), "in-flight turns keep the snapshot they started with")
	assert.True(t, fresh.HasTable("changes"))
}

func TestRefreshEmptyCatalogFails(t *testing.T) {
	catalog := NewCatalog(&fakeLister{})

	_, err := catalog.Refresh()

	assert.Error(t, err)
}

func TestRefreshPropagatesListerError(t *testing.T) {
	catalog := NewCatalog(&fakeLister{err: errors.New("db gone")})

	_, err := catalog.Refresh()

	assert.Error(t, err)
}

func TestAllowListCoversTablesAndColumns(t *testing.T) {
	catalog := NewCatalog(&fakeLister{columns: testColumns()})
	snap, err := catalog.Refresh()
	require.NoError(t, err)

	allowed := snap.AllowList()

	assert.True(t, allowed["deployments"])
	assert.True(t, allowed["ts"])
	assert.True(t, allowed["incidents"])
	assert.False(t, allowed["salaries"])
}

func TestSensitiveColumnsAreQualified(t *testing.T) {
	catalog := NewCatalog(&fakeLister{columns: testColumns()})
	snap, err := catalog.Refresh()
	require.NoError(t, err)

	sensitive := snap.SensitiveColumns()

	assert.True(t, sensitive["deployments.deployed_by"])
	assert.False(t, sensitive["deployments.id"])
}
