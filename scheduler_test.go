package etl_test

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qor5/go-bus"
	"github.com/qor5/go-que/pg"
	"github.com/qor5/x/v3/gormx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etl "github.com/theplant/dwetl"
)

// countingRunner records how many runs happened and how many overlapped
type countingRunner struct {
	runs        atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	duration    time.Duration
}

func (r *countingRunner) Run(ctx context.Context) (*etl.RunReport, error) {
	r.runs.Add(1)
	cur := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		prev := r.maxInFlight.Load()
		if cur <= prev || r.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	time.Sleep(r.duration)
	return &etl.RunReport{Loaded: []etl.TableRecordCount{{Table: etl.TableFactSales, RecordCount: 1, Batches: 1}}}, nil
}

func setupQueueDB(t *testing.T, ctx context.Context) *sql.DB {
	suite := gormx.MustStartTestSuite(ctx)
	t.Cleanup(func() { _ = suite.Stop(context.Background()) })
	t.Logf("QueueDB: %s", suite.DSN())

	queueDB, err := suite.DB().DB()
	require.NoError(t, err, "Failed to get sql.DB from queue database")
	require.NoError(t, pg.Migrate(queueDB), "Failed to migrate queue database")
	return queueDB
}

func schedulerConfig(runner etl.Runner, queueDB *sql.DB) *etl.SchedulerConfig {
	return &etl.SchedulerConfig{
		Runner:                  runner,
		QueueDB:                 queueDB,
		QueueName:               "dwetl_test",
		Interval:                time.Second,
		RetryPolicy:             bus.DefaultRetryPolicyFactory(),
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  time.Minute,
	}
}

func TestSchedulerConfigValidate(t *testing.T) {
	var nilConf *etl.SchedulerConfig
	require.Error(t, nilConf.Validate())

	tests := []struct {
		name   string
		mutate func(conf *etl.SchedulerConfig)
	}{
		{"missing runner", func(conf *etl.SchedulerConfig) { conf.Runner = nil }},
		{"missing queue db", func(conf *etl.SchedulerConfig) { conf.QueueDB = nil }},
		{"missing queue name", func(conf *etl.SchedulerConfig) { conf.QueueName = "" }},
		{"zero interval", func(conf *etl.SchedulerConfig) { conf.Interval = 0 }},
		{"missing retry policy", func(conf *etl.SchedulerConfig) { conf.RetryPolicy = nil }},
		{"zero threshold", func(conf *etl.SchedulerConfig) { conf.CircuitBreakerThreshold = 0 }},
		{"zero cooldown", func(conf *etl.SchedulerConfig) { conf.CircuitBreakerCooldown = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := schedulerConfig(&countingRunner{}, &sql.DB{})
			tt.mutate(conf)
			_, err := etl.NewScheduler(conf)
			require.Error(t, err)
			assert.Equal(t, etl.ErrKindConfig, etl.KindOf(err))
		})
	}
}

func TestSchedulerChainsRuns(t *testing.T) {
	ctx := context.Background()
	queueDB := setupQueueDB(t, ctx)

	runner := &countingRunner{duration: 50 * time.Millisecond}
	scheduler, err := etl.NewScheduler(schedulerConfig(runner, queueDB))
	require.NoError(t, err, "Failed to create scheduler")

	controller, err := scheduler.Start(ctx)
	require.NoError(t, err, "Failed to start scheduler")
	defer func() { _ = controller.Stop(ctx) }()

	require.Eventually(t, func() bool { return runner.runs.Load() >= 3 }, 15*time.Second, 100*time.Millisecond,
		"Each successful run schedules the next one")
}

func TestSchedulerSerializesRunsAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	queueDB := setupQueueDB(t, ctx)

	runner := &countingRunner{duration: 300 * time.Millisecond}
	for i := 0; i < 2; i++ {
		scheduler, err := etl.NewScheduler(schedulerConfig(runner, queueDB))
		require.NoError(t, err)

		// The second seed collides with the pending unique job and is ignored
		controller, err := scheduler.Start(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = controller.Stop(context.Background()) })
	}

	require.Eventually(t, func() bool { return runner.runs.Load() >= 3 }, 15*time.Second, 100*time.Millisecond)
	assert.Equal(t, int64(1), runner.maxInFlight.Load(), "Runs never overlap")
}

func TestSchedulerRunsPipeline(t *testing.T) {
	ctx := context.Background()
	queueDB := setupQueueDB(t, ctx)

	env := setupEnv(t)
	env.seed(t)

	scheduler, err := etl.NewScheduler(schedulerConfig(env.pipeline(t, nil), queueDB))
	require.NoError(t, err)

	controller, err := scheduler.Start(ctx)
	require.NoError(t, err)
	defer func() { _ = controller.Stop(ctx) }()

	require.Eventually(t, func() bool {
		var n int64
		return env.warehouseDB.Model(&etl.FactSale{}).Count(&n).Error == nil && n == 3
	}, 15*time.Second, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		marks, err := env.control.GetLastLoadTimes(ctx)
		return err == nil && len(marks) == 6
	}, 5*time.Second, 100*time.Millisecond)
}
