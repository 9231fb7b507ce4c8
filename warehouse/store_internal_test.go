package warehouse

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etl "github.com/theplant/dwetl"
)

func TestBatchLimitRespectsBindParameters(t *testing.T) {
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "warehouse.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), db))

	store, err := NewStore(db)
	require.NoError(t, err)

	// DimUsers has 11 columns
	size, err := store.batchLimit(&etl.TargetData{Table: etl.TableDimUsers, Records: []*etl.DimUser{}}, 20000)
	require.NoError(t, err)
	assert.Equal(t, 32766/11, size)

	size, err = store.batchLimit(&etl.TargetData{Table: etl.TableDimUsers, Records: []*etl.DimUser{}}, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, size, "Smaller batch sizes are kept")
}

func TestWithBusyTimeout(t *testing.T) {
	assert.Equal(t, "dw.db?_pragma=busy_timeout(5000)", withBusyTimeout("dw.db"))
	assert.Equal(t, "file:dw.db?mode=rwc&_pragma=busy_timeout(5000)", withBusyTimeout("file:dw.db?mode=rwc"))
	assert.Equal(t, "dw.db?_pragma=busy_timeout(100)", withBusyTimeout("dw.db?_pragma=busy_timeout(100)"))
}
