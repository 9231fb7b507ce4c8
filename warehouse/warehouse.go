package warehouse

import (
	"context"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/theplant/appkit/logtracing"
	etl "github.com/theplant/dwetl"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported warehouse drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the warehouse with the given driver
func Open(driver, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, etl.WithKind(errors.New("warehouse dsn is required"), etl.ErrKindConfig)
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(withBusyTimeout(dsn))
	default:
		return nil, etl.WithKind(errors.Errorf("unsupported warehouse driver %q", driver), etl.ErrKindConfig)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, etl.WithKind(errors.Wrapf(err, "failed to open %s warehouse", driver), etl.ErrKindConnectivity)
	}
	return db, nil
}

// withBusyTimeout makes concurrent sqlite connections wait for locks instead of failing with SQLITE_BUSY
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// Migrate creates or updates the star schema
func Migrate(ctx context.Context, db *gorm.DB) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "warehouse.Migrate")
	defer func() {
		span.AppendKVs("dialect", db.Dialector.Name())
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := db.WithContext(ctx).AutoMigrate(etl.WarehouseModels()...); err != nil {
		return errors.Wrap(err, "failed to migrate warehouse")
	}
	return nil
}
