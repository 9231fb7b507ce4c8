package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	etl "github.com/theplant/dwetl"
	"github.com/theplant/dwetl/warehouse"
)

const envPrefix = "DWETL"

// Load modes
const (
	LoadModeUpsert  = "upsert"
	LoadModeStaging = "staging"
)

// Config is read from DWETL_* environment variables, optionally seeded from a .env file
type Config struct {
	SourceDSN        string
	SourceSystem     etl.SourceSystem
	WarehouseDriver  string
	WarehouseDSN     string
	LoadMode         string
	StagingUnlogged  bool
	BatchSize        int
	PageSize         int
	RowLimit         int
	AutoMigrate      bool
	ScheduleInterval time.Duration
	QueueDSN         string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source_system", string(etl.SourceMySQL))
	v.SetDefault("warehouse_driver", warehouse.DriverPostgres)
	v.SetDefault("load_mode", LoadModeUpsert)
	v.SetDefault("staging_unlogged", false)
	v.SetDefault("batch_size", etl.DefaultBatchSize)
	v.SetDefault("page_size", warehouse.DefaultPageSize)
	v.SetDefault("row_limit", 0)
	v.SetDefault("auto_migrate", false)
	v.SetDefault("schedule_interval", time.Hour)
}

// LoadConfig reads the configuration. envFile is loaded first when it exists;
// variables already set in the environment win over it.
func LoadConfig(v *viper.Viper, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, etl.WithKind(errors.Wrapf(err, "failed to load %s", envFile), etl.ErrKindConfig)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	conf := &Config{
		SourceDSN:        v.GetString("source_dsn"),
		SourceSystem:     etl.SourceSystem(v.GetString("source_system")),
		WarehouseDriver:  v.GetString("warehouse_driver"),
		WarehouseDSN:     v.GetString("warehouse_dsn"),
		LoadMode:         v.GetString("load_mode"),
		StagingUnlogged:  v.GetBool("staging_unlogged"),
		BatchSize:        v.GetInt("batch_size"),
		PageSize:         v.GetInt("page_size"),
		RowLimit:         v.GetInt("row_limit"),
		AutoMigrate:      v.GetBool("auto_migrate"),
		ScheduleInterval: v.GetDuration("schedule_interval"),
		QueueDSN:         v.GetString("queue_dsn"),
	}
	if err := conf.Validate(); err != nil {
		return nil, etl.WithKind(err, etl.ErrKindConfig)
	}
	return conf, nil
}

// Validate checks the settings needed for a single run
func (c *Config) Validate() error {
	if c.SourceDSN == "" {
		return errors.New(envPrefix + "_SOURCE_DSN is required")
	}
	if c.WarehouseDSN == "" {
		return errors.New(envPrefix + "_WAREHOUSE_DSN is required")
	}
	if c.SourceSystem == "" {
		return errors.New(envPrefix + "_SOURCE_SYSTEM must not be empty")
	}

	switch c.WarehouseDriver {
	case warehouse.DriverPostgres, warehouse.DriverSQLite:
	default:
		return errors.Errorf("unsupported warehouse driver %q", c.WarehouseDriver)
	}

	switch c.LoadMode {
	case LoadModeUpsert:
	case LoadModeStaging:
		if c.WarehouseDriver != warehouse.DriverPostgres {
			return errors.Errorf("load mode %s requires the postgres warehouse driver", LoadModeStaging)
		}
	default:
		return errors.Errorf("unsupported load mode %q", c.LoadMode)
	}

	if c.BatchSize <= 0 {
		return errors.New("batch size must be greater than 0")
	}
	if c.PageSize <= 0 {
		return errors.New("page size must be greater than 0")
	}
	if c.RowLimit < 0 {
		return errors.New("row limit must be greater than or equal to 0")
	}
	return nil
}

// ValidateSchedule checks the additional settings of the periodic scheduler
func (c *Config) ValidateSchedule() error {
	if c.QueueDSN == "" {
		return etl.WithKind(errors.New(envPrefix+"_QUEUE_DSN is required with --schedule"), etl.ErrKindConfig)
	}
	if c.ScheduleInterval <= 0 {
		return etl.WithKind(errors.New(envPrefix+"_SCHEDULE_INTERVAL must be greater than 0"), etl.ErrKindConfig)
	}
	return nil
}
