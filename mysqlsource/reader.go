package mysqlsource

import (
	"context"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/theplant/appkit/log"
	"github.com/theplant/appkit/logtracing"
	etl "github.com/theplant/dwetl"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Open connects to the operational MySQL database. Timestamps are parsed in UTC.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, etl.WithKind(errors.New("source dsn is required"), etl.ErrKindConfig)
	}

	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, etl.WithKind(errors.Wrap(err, "invalid source dsn"), etl.ErrKindConfig)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := gorm.Open(mysql.Open(cfg.FormatDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, etl.WithKind(errors.Wrap(err, "failed to open source"), etl.ErrKindConnectivity)
	}
	return db, nil
}

// Reader extracts changed rows from the operational store
type Reader struct {
	DB     *gorm.DB
	Logger *log.Logger
	Retry  *etl.RetryPolicy
}

var _ etl.SourceReader = (*Reader)(nil)

// NewReader creates a new Reader
func NewReader(db *gorm.DB, logger *log.Logger) (*Reader, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		l := log.Default()
		logger = &l
	}
	return &Reader{
		DB:     db,
		Logger: logger,
		Retry:  etl.DefaultRetryPolicy(),
	}, nil
}

// Ping checks the source connection, retrying transient failures
func (r *Reader) Ping(ctx context.Context) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "mysqlsource.Ping")
	defer func() {
		logtracing.EndSpan(ctx, xerr)
	}()

	sqlDB, err := r.DB.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get sql.DB from source")
	}
	err = r.Retry.Do(ctx, func(ctx context.Context) error {
		return sqlDB.PingContext(ctx)
	})
	span.AppendKVs("ok", err == nil)
	return err
}

// TableCounts returns the row count of every source table
func (r *Reader) TableCounts(ctx context.Context) (counts map[string]int64, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "mysqlsource.TableCounts")
	defer func() {
		logtracing.EndSpan(ctx, xerr)
	}()

	counts = make(map[string]int64, len(etl.SourceTables))
	for _, table := range etl.SourceTables {
		var n int64
		if err := r.DB.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
			return nil, errors.Wrapf(err, "failed to count %s", table)
		}
		counts[table] = n
		span.AppendKVs(table, n)
	}
	return counts, nil
}

func (r *Reader) ExtractUsers(ctx context.Context, since *etl.Watermark, limit int) ([]*etl.User, error) {
	return extractChanged[etl.User](ctx, r, etl.SourceUsers, since, limit)
}

func (r *Reader) ExtractProducts(ctx context.Context, since *etl.Watermark, limit int) ([]*etl.Product, error) {
	return extractChanged[etl.Product](ctx, r, etl.SourceProducts, since, limit)
}

func (r *Reader) ExtractRiders(ctx context.Context, since *etl.Watermark, limit int) ([]*etl.Rider, error) {
	return extractChanged[etl.Rider](ctx, r, etl.SourceRiders, since, limit)
}

func (r *Reader) ExtractCouriers(ctx context.Context, since *etl.Watermark, limit int) ([]*etl.Courier, error) {
	return extractChanged[etl.Courier](ctx, r, etl.SourceCouriers, since, limit)
}

// ExtractRidersByCourier returns the riders assigned to any of courierIDs, ordered by id
func (r *Reader) ExtractRidersByCourier(ctx context.Context, courierIDs []int64, limit int) (riders []*etl.Rider, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "mysqlsource.ExtractRidersByCourier")
	defer func() {
		span.AppendKVs("couriers", len(courierIDs), "rows", len(riders))
		logtracing.EndSpan(ctx, xerr)
	}()

	if len(courierIDs) == 0 {
		return nil, nil
	}

	q := r.DB.WithContext(ctx).
		Where(map[string]any{"courierId": courierIDs}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}})
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&riders).Error; err != nil {
		return nil, errors.Wrap(err, "failed to extract riders by courier")
	}
	return riders, nil
}

// extractChanged reads rows of T updated strictly after since, ordered by id
func extractChanged[T any](ctx context.Context, r *Reader, table string, since *etl.Watermark, limit int) (rows []*T, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "mysqlsource.Extract")
	defer func() {
		span.AppendKVs("table", table, "since", since.String(), "limit", limit, "rows", len(rows))
		logtracing.EndSpan(ctx, xerr)
	}()

	q := r.DB.WithContext(ctx).Model(new(T))
	if at, ok := r.since(table, since); ok {
		q = q.Where(clause.Gt{Column: clause.Column{Name: "updatedAt"}, Value: at})
	}
	q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}})
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to extract %s", table)
	}
	return rows, nil
}

const joinedFactsQuery = `
	SELECT
		o.id AS orderId,
		o.orderNumber AS orderNumber,
		o.userId AS userId,
		o.deliveryDate AS deliveryDate,
		o.deliveryRiderId AS deliveryRiderId,
		o.createdAt AS orderCreatedAt,
		o.updatedAt AS orderUpdatedAt,
		oi.ProductId AS productId,
		oi.quantity AS quantity,
		oi.notes AS notes,
		oi.updatedAt AS orderItemUpdatedAt,
		u.username AS username,
		p.name AS productName,
		p.price AS price,
		r.id AS riderId,
		c.name AS courierName
	FROM Orders o
	JOIN OrderItems oi ON oi.OrderId = o.id
	JOIN Users u ON u.id = o.userId
	JOIN Products p ON p.id = oi.ProductId
	LEFT JOIN Riders r ON r.id = o.deliveryRiderId
	LEFT JOIN Couriers c ON c.id = r.courierId`

// ExtractJoinedFacts returns order items whose order or item changed after since
func (r *Reader) ExtractJoinedFacts(ctx context.Context, since *etl.Watermark, limit int) (rows []*etl.JoinedOrderRow, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "mysqlsource.ExtractJoinedFacts")
	defer func() {
		span.AppendKVs("since", since.String(), "limit", limit, "rows", len(rows))
		logtracing.EndSpan(ctx, xerr)
	}()

	query := joinedFactsQuery
	var args []any
	if at, ok := r.since(etl.SourceOrders, since); ok {
		query += `
	WHERE (o.updatedAt > ? OR oi.updatedAt > ?)`
		args = append(args, at, at)
	}
	query += `
	ORDER BY o.id, oi.ProductId`
	if limit > 0 {
		query += `
	LIMIT ?`
		args = append(args, limit)
	}

	if err := r.DB.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to extract joined facts")
	}
	return rows, nil
}

// since returns the parsed watermark. A malformed watermark falls back to full extraction.
func (r *Reader) since(table string, mark *etl.Watermark) (time.Time, bool) {
	if mark == nil {
		return time.Time{}, false
	}
	at, err := mark.At()
	if err != nil {
		_ = r.Logger.Warn().Log(
			"msg", "etl.malformed_watermark",
			"table", table,
			"watermark", mark.String(),
			"kind", etl.ErrKindMalformed,
			"err", err,
		)
		return time.Time{}, false
	}
	return at, true
}
