package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/qor5/go-bus"
	"github.com/qor5/go-que/pg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theplant/appkit/log"
	etl "github.com/theplant/dwetl"
	"github.com/theplant/dwetl/mysqlsource"
	"github.com/theplant/dwetl/pgtarget"
	"github.com/theplant/dwetl/warehouse"
	"gorm.io/gorm"
)

func main() {
	logger := log.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		_ = logger.Error().Log("msg", "dwetl failed", "kind", etl.KindOf(err), "err", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(logger log.Logger) *cobra.Command {
	v := viper.New()
	var (
		envFile  string
		schedule bool
	)

	cmd := &cobra.Command{
		Use:           "dwetl",
		Short:         "Run one incremental ETL pass from the operational MySQL store into the star-schema warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := LoadConfig(v, envFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			clients, closeFn, err := openClients(ctx, conf, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			pipeline, err := etl.NewPipeline(&etl.PipelineConfig{
				Clients:      clients,
				SourceSystem: conf.SourceSystem,
				BatchSize:    conf.BatchSize,
				RowLimit:     conf.RowLimit,
				Logger:       &logger,
			})
			if err != nil {
				return err
			}

			if schedule {
				return runScheduler(ctx, conf, pipeline, logger)
			}
			return runOnce(ctx, pipeline, logger)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading DWETL_* variables")
	cmd.Flags().BoolVar(&schedule, "schedule", false, "run periodically through the job queue instead of once")
	cmd.Flags().Int("row-limit", 0, "limit every extraction to this many rows, watermarks are left untouched")
	_ = v.BindPFlag("row_limit", cmd.Flags().Lookup("row-limit"))

	return cmd
}

// openClients builds the long-lived handles of the process and checks both connections
func openClients(ctx context.Context, conf *Config, logger log.Logger) (*etl.Clients, func(), error) {
	sourceDB, err := mysqlsource.Open(conf.SourceDSN)
	if err != nil {
		return nil, nil, err
	}
	warehouseDB, err := warehouse.Open(conf.WarehouseDriver, conf.WarehouseDSN)
	if err != nil {
		closeDB(sourceDB)
		return nil, nil, err
	}
	closeFn := func() {
		closeDB(sourceDB)
		closeDB(warehouseDB)
	}

	clients, err := newClients(ctx, conf, sourceDB, warehouseDB, logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return clients, closeFn, nil
}

func newClients(ctx context.Context, conf *Config, sourceDB, warehouseDB *gorm.DB, logger log.Logger) (*etl.Clients, error) {
	reader, err := mysqlsource.NewReader(sourceDB, &logger)
	if err != nil {
		return nil, err
	}
	if err := reader.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "source is unreachable")
	}

	store, err := warehouse.NewStore(warehouseDB)
	if err != nil {
		return nil, err
	}
	store.PageSize = conf.PageSize
	if err := store.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "warehouse is unreachable")
	}

	if conf.AutoMigrate {
		if err := warehouse.Migrate(ctx, warehouseDB); err != nil {
			return nil, err
		}
	}

	controls, err := warehouse.NewControlStore(warehouseDB)
	if err != nil {
		return nil, err
	}

	var loader etl.Loader = store
	if conf.LoadMode == LoadModeStaging {
		staging, err := pgtarget.New(&pgtarget.Config{DB: warehouseDB, UseUnloggedTable: conf.StagingUnlogged})
		if err != nil {
			return nil, etl.WithKind(err, etl.ErrKindConfig)
		}
		if conf.StagingUnlogged {
			staging = staging.WithCreateStagingTableHook(pgtarget.AddLoadedAtColumnHook)
		}
		loader = staging
	}

	_ = logger.Info().Log(
		"msg", "clients ready",
		"warehouse_driver", conf.WarehouseDriver,
		"load_mode", conf.LoadMode,
		"source_system", conf.SourceSystem,
	)

	return &etl.Clients{
		Source:     reader,
		Warehouse:  store,
		Watermarks: controls,
		Loader:     loader,
	}, nil
}

func runOnce(ctx context.Context, runner etl.Runner, logger log.Logger) error {
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	kvs := []any{"msg", "etl pass complete", "warnings", len(report.Warnings), "dim_date_generated", report.DimDateGenerated}
	for _, c := range report.Loaded {
		kvs = append(kvs, "loaded."+c.Table, c.RecordCount)
	}
	_ = logger.Info().Log(kvs...)
	return nil
}

func runScheduler(ctx context.Context, conf *Config, runner etl.Runner, logger log.Logger) error {
	if err := conf.ValidateSchedule(); err != nil {
		return err
	}

	queueGormDB, err := warehouse.Open(warehouse.DriverPostgres, conf.QueueDSN)
	if err != nil {
		return errors.Wrap(err, "failed to open queue database")
	}
	defer closeDB(queueGormDB)

	queueDB, err := queueGormDB.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get sql.DB from queue database")
	}
	if conf.AutoMigrate {
		if err := pg.Migrate(queueDB); err != nil {
			return errors.Wrap(err, "failed to migrate queue database")
		}
	}

	scheduler, err := etl.NewScheduler(&etl.SchedulerConfig{
		Runner:                  runner,
		QueueDB:                 queueDB,
		QueueName:               "dwetl",
		Interval:                conf.ScheduleInterval,
		RetryPolicy:             bus.DefaultRetryPolicyFactory(),
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  3 * conf.ScheduleInterval,
	})
	if err != nil {
		return err
	}

	controller, err := scheduler.Start(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to start scheduler")
	}
	_ = logger.Info().Log("msg", "scheduler started", "interval", conf.ScheduleInterval.String())

	<-ctx.Done()
	_ = logger.Info().Log("msg", "stopping scheduler")
	return controller.Stop(context.Background())
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
