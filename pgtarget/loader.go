package pgtarget

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/qor5/x/v3/hook"
	"github.com/qor5/x/v3/jsonx"
	"github.com/samber/lo"
	"github.com/theplant/appkit/logtracing"
	etl "github.com/theplant/dwetl"
	"gorm.io/gorm"
)

// maxBindParams is the Postgres limit of bind parameters per statement
const maxBindParams = 65535

// CommitInput represents the input for moving one staging table into its target table
type CommitInput struct {
	*Loader
	Tx           *gorm.DB
	Data         *etl.TargetData
	StagingTable string
	Columns      []string // target columns written from staging, primary key excluded
}

// CommitOutput represents the output of a commit
type CommitOutput struct {
	RowsAffected int64
}

// CommitFunc defines the function signature for committing a staging table to its target table
type CommitFunc func(ctx context.Context, input *CommitInput) (*CommitOutput, error)

// CreateStagingTableInput represents the input for creating staging tables
type CreateStagingTableInput struct {
	*Loader
	Tx           *gorm.DB
	TargetTable  string
	StagingTable string
}

// CreateStagingTableOutput represents the output of creating staging tables
type CreateStagingTableOutput struct {
	StagingTable string
}

// CreateStagingTableFunc defines the function signature for creating staging tables
type CreateStagingTableFunc func(ctx context.Context, input *CreateStagingTableInput) (*CreateStagingTableOutput, error)

// Config represents the configuration for creating a PostgreSQL staging loader
type Config struct {
	DB         *gorm.DB
	CommitFunc CommitFunc // Optional, defaults to UpsertFromStaging
	// If true, use UNLOGGED TABLE instead of TEMP TABLE. Default: false (TEMP TABLE lives and dies
	// inside the load transaction; UNLOGGED TABLE keeps staged rows of a failed commit for inspection)
	UseUnloggedTable bool
}

// Loader implements etl.Loader by bulk inserting into a staging table and
// upserting from it into the target table
type Loader struct {
	*Config
	createStagingTableHook hook.Hook[CreateStagingTableFunc]
}

var _ etl.Loader = (*Loader)(nil)

// New creates a new PostgreSQL staging loader with the given configuration
func New(conf *Config) (*Loader, error) {
	if conf == nil {
		return nil, errors.New("config is required")
	}

	if conf.DB == nil {
		return nil, errors.New("db is required")
	}

	if conf.DB.PrepareStmt {
		return nil, errors.New("PrepareStmt is not supported: it conflicts with multi-statement SQL execution which is commonly used in ETL operations")
	}

	if name := conf.DB.Dialector.Name(); name != "postgres" {
		return nil, errors.Errorf("staging loader requires postgres, got %s", name)
	}

	if conf.CommitFunc == nil {
		conf.CommitFunc = UpsertFromStaging
	}

	return &Loader{Config: conf}, nil
}

// WithCreateStagingTableHook adds a hook to the loader for creating staging tables
func (l *Loader) WithCreateStagingTableHook(hooks ...hook.Hook[CreateStagingTableFunc]) *Loader {
	l.createStagingTableHook = hook.Prepend(l.createStagingTableHook, hooks...)
	return l
}

func (l *Loader) tableType() string {
	if l.UseUnloggedTable {
		return "UNLOGGED"
	}
	return "TEMP"
}

func createStagingTable(ctx context.Context, input *CreateStagingTableInput) (output *CreateStagingTableOutput, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "pgtarget.createStagingTable")
	spanKVs := make(map[string]any)
	defer func() {
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := validateTableName(input.StagingTable); err != nil {
		return nil, errors.Wrapf(err, "invalid staging table name: %s", input.StagingTable)
	}

	if err := validateTableName(input.TargetTable); err != nil {
		return nil, errors.Wrapf(err, "invalid target table name: %s", input.TargetTable)
	}

	// TEMP tables are dropped with the load transaction, UNLOGGED ones by cleanup
	onCommit := " ON COMMIT DROP"
	if input.UseUnloggedTable {
		onCommit = ""
	}

	spanKVs["target_table"] = input.TargetTable
	spanKVs["staging_table"] = input.StagingTable
	spanKVs["table_type"] = input.tableType()

	createSQL := fmt.Sprintf(`
			CREATE %s TABLE IF NOT EXISTS "%s"
			(LIKE "%s" INCLUDING DEFAULTS)%s;

			TRUNCATE TABLE "%s";
			`,
		input.tableType(), input.StagingTable, input.TargetTable, onCommit, input.StagingTable)

	if err := input.Tx.WithContext(ctx).Exec(createSQL).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to create staging table %s", input.StagingTable)
	}

	return &CreateStagingTableOutput{StagingTable: input.StagingTable}, nil
}

// UpsertFromStaging inserts every staged row into the target table, updating the
// non-conflict columns of rows whose conflict key already exists
func UpsertFromStaging(ctx context.Context, input *CommitInput) (*CommitOutput, error) {
	quote := func(c string) string { return `"` + c + `"` }

	updates := lo.Map(lo.Without(input.Columns, input.Data.Conflict...), func(c string, _ int) string {
		return fmt.Sprintf(`%s = EXCLUDED.%s`, quote(c), quote(c))
	})
	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	columns := strings.Join(lo.Map(input.Columns, func(c string, _ int) string { return quote(c) }), ", ")
	query := fmt.Sprintf(`
			INSERT INTO %s (%s)
			SELECT %s FROM %s
			ON CONFLICT (%s) %s`,
		quote(input.Data.Table), columns, columns, quote(input.StagingTable),
		strings.Join(lo.Map(input.Data.Conflict, func(c string, _ int) string { return quote(c) }), ", "),
		action,
	)

	result := input.Tx.WithContext(ctx).Exec(query)
	if result.Error != nil {
		return nil, errors.Wrapf(result.Error, "failed to upsert %s from %s", input.Data.Table, input.StagingTable)
	}
	return &CommitOutput{RowsAffected: result.RowsAffected}, nil
}

// Load stages and commits every non-empty TargetData in order, one table at a time
func (l *Loader) Load(ctx context.Context, datas etl.TargetDatas, batchSize int) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "pgtarget.Load")
	var tableRecordCounts []etl.TableRecordCount
	defer func() {
		span.AppendKVs("table_record_counts", jsonx.MustMarshalX[string](tableRecordCounts))
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := datas.Validate(); err != nil {
		return err
	}
	if batchSize <= 0 {
		return errors.New("batchSize must be greater than 0")
	}

	for _, data := range datas.FilterNonEmpty() {
		count, err := l.loadTable(ctx, data, batchSize)
		if err != nil {
			return err
		}
		tableRecordCounts = append(tableRecordCounts, *count)
	}
	return nil
}

func (l *Loader) loadTable(ctx context.Context, data *etl.TargetData, batchSize int) (count *etl.TableRecordCount, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "pgtarget.loadTable")
	spanKVs := make(map[string]any)
	defer func() {
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	stmt := &gorm.Statement{DB: l.DB}
	if err := stmt.Parse(data.Records); err != nil {
		return nil, errors.Wrapf(err, "failed to parse records of %s", data.Table)
	}
	columns := lo.Filter(stmt.Schema.DBNames, func(name string, _ int) bool {
		field := stmt.Schema.LookUpField(name)
		return field == nil || !field.PrimaryKey
	})
	size := max(1, min(batchSize, maxBindParams/max(1, len(stmt.Schema.DBNames))))

	count = &etl.TableRecordCount{
		Table:        data.Table,
		StagingTable: strings.ToLower(data.Table) + "_stg",
		RecordCount:  data.Len(),
	}
	spanKVs["table"] = data.Table
	spanKVs["staging_table"] = count.StagingTable

	if l.UseUnloggedTable {
		return count, l.loadUnlogged(ctx, data, count, columns, size)
	}

	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.stage(ctx, tx, data, count, size); err != nil {
			return err
		}
		return l.commit(ctx, tx, data, count, columns)
	})
	return count, err
}

// loadUnlogged keeps staged rows outside the commit transaction so a failed commit can be inspected.
// Staging tables are dropped only after a successful commit.
func (l *Loader) loadUnlogged(ctx context.Context, data *etl.TargetData, count *etl.TableRecordCount, columns []string, size int) error {
	// A restart truncates UNLOGGED tables without an error
	initialStartedAt, err := l.getDBStartedAt(ctx)
	if err != nil {
		return err
	}

	db := l.DB.WithContext(ctx)
	if err := l.stage(ctx, db, data, count, size); err != nil {
		return err
	}

	currentStartedAt, err := l.getDBStartedAt(ctx)
	if err != nil {
		return err
	}
	if !currentStartedAt.Equal(initialStartedAt) {
		logtracing.AppendSpanKVs(ctx,
			"database_restart_detected", true,
			"initial_db_started_at", initialStartedAt.Format(time.RFC3339),
			"current_db_started_at", currentStartedAt.Format(time.RFC3339),
		)
		return errors.Errorf("warehouse restarted while staging %s, unlogged rows may be lost (%v -> %v)",
			data.Table, initialStartedAt, currentStartedAt)
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		return l.commit(ctx, tx, data, count, columns)
	}); err != nil {
		return err
	}

	return l.cleanup(ctx, count.StagingTable)
}

// stage creates the staging table and bulk inserts the records in batches
func (l *Loader) stage(ctx context.Context, tx *gorm.DB, data *etl.TargetData, count *etl.TableRecordCount, size int) error {
	createStagingTableFunc := createStagingTable
	if l.createStagingTableHook != nil {
		createStagingTableFunc = l.createStagingTableHook(createStagingTableFunc)
	}

	output, err := createStagingTableFunc(ctx, &CreateStagingTableInput{
		Loader:       l,
		Tx:           tx,
		TargetTable:  data.Table,
		StagingTable: count.StagingTable,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create staging table for %s", data.Table)
	}
	count.StagingTable = output.StagingTable

	n := data.Len()
	for from := 0; from < n; from += size {
		to := min(from+size, n)
		if err := tx.Table(count.StagingTable).Create(data.Batch(from, to)).Error; err != nil {
			return &etl.LoadError{
				Table: data.Table,
				From:  from,
				To:    to - 1,
				Err:   errors.Wrapf(err, "failed to insert into staging table %s", count.StagingTable),
			}
		}
		count.Batches++
	}
	return nil
}

func (l *Loader) commit(ctx context.Context, tx *gorm.DB, data *etl.TargetData, count *etl.TableRecordCount, columns []string) error {
	if _, err := l.CommitFunc(ctx, &CommitInput{
		Loader:       l,
		Tx:           tx,
		Data:         data,
		StagingTable: count.StagingTable,
		Columns:      columns,
	}); err != nil {
		return &etl.LoadError{
			Table: data.Table,
			From:  0,
			To:    count.RecordCount - 1,
			Err:   errors.Wrap(err, "commit function failed"),
		}
	}
	return nil
}

// cleanup drops an UNLOGGED staging table (only called on successful completion)
func (l *Loader) cleanup(ctx context.Context, stagingTable string) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "pgtarget.Cleanup")
	defer func() {
		span.AppendKVs("staging_table", stagingTable)
		logtracing.EndSpan(ctx, xerr)
	}()

	dropSQL := fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, stagingTable)
	if err := l.DB.WithContext(ctx).Exec(dropSQL).Error; err != nil {
		return errors.Wrapf(err, "failed to cleanup staging table %s", stagingTable)
	}
	return nil
}

// getDBStartedAt returns pg_postmaster_start_time()
func (l *Loader) getDBStartedAt(ctx context.Context) (startedAt time.Time, xerr error) {
	ctx, _ = logtracing.StartSpan(ctx, "pgtarget.getDBStartedAt")
	defer func() {
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := l.DB.WithContext(ctx).Raw("SELECT pg_postmaster_start_time()").Scan(&startedAt).Error; err != nil {
		return time.Time{}, errors.Wrap(err, "failed to query database start time")
	}
	return startedAt, nil
}

// maxIdentifierLen is NAMEDATALEN - 1
const maxIdentifierLen = 63

var identifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateTableName accepts plain identifiers only, since table names are interpolated into DDL
func validateTableName(name string) error {
	switch {
	case name == "":
		return errors.New("table name is empty")
	case len(name) > maxIdentifierLen:
		return errors.Errorf("table name %q is longer than %d bytes", name, maxIdentifierLen)
	case !identifierRegex.MatchString(name):
		return errors.Errorf("table name %q is not a plain identifier", name)
	}
	return nil
}
