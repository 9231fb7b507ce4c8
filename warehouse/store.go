package warehouse

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/qor5/x/v3/jsonx"
	"github.com/samber/lo"
	"github.com/theplant/appkit/logtracing"
	etl "github.com/theplant/dwetl"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPageSize is the page size of range-paginated reads
const DefaultPageSize = 1000

// keyLookupChunk bounds the IN list of surrogate key lookups
const keyLookupChunk = 1000

// maxBindParams is the number of bind parameters a single statement may carry
var maxBindParams = map[string]int{
	DriverPostgres: 65535,
	DriverSQLite:   32766,
	"mysql":        65535,
}

var dimensionModels = map[string]any{
	etl.TableDimUsers:    &etl.DimUser{},
	etl.TableDimProducts: &etl.DimProduct{},
	etl.TableDimRiders:   &etl.DimRider{},
}

// Store implements etl.Warehouse and etl.Loader over gorm
type Store struct {
	DB       *gorm.DB
	PageSize int
	Retry    *etl.RetryPolicy
}

var (
	_ etl.Warehouse = (*Store)(nil)
	_ etl.Loader    = (*Store)(nil)
)

// NewStore creates a new Store
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{
		DB:       db,
		PageSize: DefaultPageSize,
		Retry:    etl.DefaultRetryPolicy(),
	}, nil
}

// Ping checks the warehouse connection, retrying transient failures
func (s *Store) Ping(ctx context.Context) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "warehouse.Ping")
	defer func() {
		span.AppendKVs("dialect", s.DB.Dialector.Name())
		logtracing.EndSpan(ctx, xerr)
	}()

	sqlDB, err := s.DB.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get sql.DB from warehouse")
	}
	return s.Retry.Do(ctx, func(ctx context.Context) error {
		return sqlDB.PingContext(ctx)
	})
}

func (s *Store) CountDimDate(ctx context.Context) (int64, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&etl.DimDate{}).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count DimDate")
	}
	return n, nil
}

func (s *Store) SelectDimDate(ctx context.Context) ([]*etl.DimDate, error) {
	return SelectAll[etl.DimDate](ctx, s.DB, s.PageSize)
}

// SurrogateKeys maps source ids to the ids of the dimension rows carrying them
func (s *Store) SurrogateKeys(ctx context.Context, table string, system etl.SourceSystem, sourceIDs []int64) (keys map[int64]int64, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "warehouse.SurrogateKeys")
	defer func() {
		span.AppendKVs("table", table, "source_ids", len(sourceIDs), "resolved", len(keys))
		logtracing.EndSpan(ctx, xerr)
	}()

	model, ok := dimensionModels[table]
	if !ok {
		return nil, errors.Errorf("%s is not a dimension table", table)
	}

	type keyRow struct {
		ID       int64 `gorm:"column:id"`
		SourceID int64 `gorm:"column:sourceId"`
	}

	keys = make(map[int64]int64, len(sourceIDs))
	for _, chunk := range lo.Chunk(lo.Uniq(sourceIDs), keyLookupChunk) {
		var rows []keyRow
		err := s.DB.WithContext(ctx).
			Model(model).
			Select("id", "sourceId").
			Where(map[string]any{"sourceSystem": string(system), "sourceId": chunk}).
			Scan(&rows).Error
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read surrogate keys of %s", table)
		}
		for _, row := range rows {
			keys[row.SourceID] = row.ID
		}
	}
	return keys, nil
}

// Load upserts every non-empty TargetData in order. Each batch is one statement,
// so a failure leaves earlier batches committed.
func (s *Store) Load(ctx context.Context, datas etl.TargetDatas, batchSize int) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "warehouse.Load")
	var counts []etl.TableRecordCount
	defer func() {
		span.AppendKVs("table_record_counts", jsonx.MustMarshalX[string](counts))
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := datas.Validate(); err != nil {
		return err
	}
	if batchSize <= 0 {
		return errors.New("batchSize must be greater than 0")
	}

	for _, data := range datas.FilterNonEmpty() {
		count, err := s.upsert(ctx, data, batchSize)
		if err != nil {
			return err
		}
		counts = append(counts, *count)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, data *etl.TargetData, batchSize int) (*etl.TableRecordCount, error) {
	size, err := s.batchLimit(data, batchSize)
	if err != nil {
		return nil, err
	}

	onConflict := clause.OnConflict{
		Columns:   lo.Map(data.Conflict, func(c string, _ int) clause.Column { return clause.Column{Name: c} }),
		UpdateAll: true,
	}

	n := data.Len()
	count := &etl.TableRecordCount{Table: data.Table, RecordCount: n}
	for from := 0; from < n; from += size {
		to := min(from+size, n)
		err := s.DB.WithContext(ctx).
			Table(data.Table).
			Clauses(onConflict).
			Create(data.Batch(from, to)).Error
		if err != nil {
			return nil, &etl.LoadError{Table: data.Table, From: from, To: to - 1, Err: err}
		}
		count.Batches++
	}
	return count, nil
}

// batchLimit caps batchSize so one INSERT stays within the driver's bind parameter limit
func (s *Store) batchLimit(data *etl.TargetData, batchSize int) (int, error) {
	limit, ok := maxBindParams[s.DB.Dialector.Name()]
	if !ok {
		return batchSize, nil
	}

	stmt := &gorm.Statement{DB: s.DB}
	if err := stmt.Parse(data.Records); err != nil {
		return 0, errors.Wrapf(err, "failed to parse records of %s", data.Table)
	}
	columns := len(stmt.Schema.DBNames)
	if columns == 0 {
		return batchSize, nil
	}
	return max(1, min(batchSize, limit/columns)), nil
}

// SelectAll reads a whole table page by page, ordered by id
func SelectAll[T any](ctx context.Context, db *gorm.DB, pageSize int) (rows []*T, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "warehouse.SelectAll")
	pages := 0
	defer func() {
		span.AppendKVs("rows", len(rows), "pages", pages)
		logtracing.EndSpan(ctx, xerr)
	}()

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	for offset := 0; ; offset += pageSize {
		var page []*T
		err := db.WithContext(ctx).
			Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}}).
			Offset(offset).
			Limit(pageSize).
			Find(&page).Error
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read page at offset %d", offset)
		}
		pages++
		rows = append(rows, page...)
		if len(page) < pageSize {
			return rows, nil
		}
	}
}

// ControlStore persists watermarks in the ETLControl table
type ControlStore struct {
	DB *gorm.DB
}

var _ etl.WatermarkStore = (*ControlStore)(nil)

// NewControlStore creates a new ControlStore
func NewControlStore(db *gorm.DB) (*ControlStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &ControlStore{DB: db}, nil
}

func (s *ControlStore) GetLastLoadTimes(ctx context.Context) (marks map[string]*etl.Watermark, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "warehouse.GetLastLoadTimes")
	defer func() {
		span.AppendKVs("tables", len(marks))
		logtracing.EndSpan(ctx, xerr)
	}()

	var rows []*etl.ETLControl
	if err := s.DB.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to read ETLControl")
	}

	marks = make(map[string]*etl.Watermark, len(rows))
	for _, row := range rows {
		marks[row.Table] = &etl.Watermark{Table: row.Table, Raw: row.LastLoadTime}
	}
	return marks, nil
}

// UpdateLastLoadTime stores at for table unless the stored watermark is already at or after it
func (s *ControlStore) UpdateLastLoadTime(ctx context.Context, table string, at time.Time) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "warehouse.UpdateLastLoadTime")
	skipped := false
	defer func() {
		span.AppendKVs("table", table, "last_load_time", etl.FormatWatermark(at), "skipped", skipped)
		logtracing.EndSpan(ctx, xerr)
	}()

	if table == "" {
		return errors.New("table is required")
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current etl.ETLControl
		err := tx.Where(map[string]any{"tableName": table}).Take(&current).Error
		switch {
		case err == nil:
			prev, perr := (&etl.Watermark{Table: table, Raw: current.LastLoadTime}).At()
			if perr == nil && !at.After(prev) {
				skipped = true
				return nil
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return errors.Wrapf(err, "failed to read watermark of %s", table)
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tableName"}},
			DoUpdates: clause.AssignmentColumns([]string{"lastLoadTime"}),
		}).Create(&etl.ETLControl{Table: table, LastLoadTime: etl.FormatWatermark(at)}).Error
		if err != nil {
			return errors.Wrapf(err, "failed to write watermark of %s", table)
		}
		return nil
	})
}
