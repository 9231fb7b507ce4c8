package mysqlsource_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theplant/appkit/log"
	etl "github.com/theplant/dwetl"
	"github.com/theplant/dwetl/mysqlsource"
	"gorm.io/gorm"
)

var (
	t0 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t1.Add(time.Hour)
)

func setupSource(t *testing.T) (*gorm.DB, *mysqlsource.Reader) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "source.db")), &gorm.Config{})
	require.NoError(t, err, "Failed to open source database")
	require.NoError(t, db.AutoMigrate(etl.SourceModels()...), "Failed to migrate source database")

	l := log.NewNopLogger()
	reader, err := mysqlsource.NewReader(db, &l)
	require.NoError(t, err)
	return db, reader
}

func seedSource(t *testing.T, db *gorm.DB) {
	t.Helper()
	users := []*etl.User{
		{ID: 1, Username: lo.ToPtr("alice"), Gender: lo.ToPtr("f"), CreatedAt: t0, UpdatedAt: t0},
		{ID: 2, Username: lo.ToPtr("bob"), Gender: lo.ToPtr("M"), CreatedAt: t0, UpdatedAt: t1},
		{ID: 3, Username: lo.ToPtr("carol"), CreatedAt: t0, UpdatedAt: t2},
	}
	require.NoError(t, db.Create(&users).Error)

	products := []*etl.Product{
		{ID: 10, Name: lo.ToPtr("Teddy"), Category: lo.ToPtr("toy"), Price: lo.ToPtr(9.5), CreatedAt: t0, UpdatedAt: t0},
		{ID: 11, Name: lo.ToPtr("Tote"), Category: lo.ToPtr("bag"), CreatedAt: t0, UpdatedAt: t2},
	}
	require.NoError(t, db.Create(&products).Error)

	couriers := []*etl.Courier{
		{ID: 100, Name: lo.ToPtr("FastCo"), CreatedAt: t0, UpdatedAt: t0},
		{ID: 101, Name: lo.ToPtr("SlowCo"), CreatedAt: t0, UpdatedAt: t2},
	}
	require.NoError(t, db.Create(&couriers).Error)

	riders := []*etl.Rider{
		{ID: 50, FirstName: lo.ToPtr("Rex"), CourierID: lo.ToPtr(int64(100)), CreatedAt: t0, UpdatedAt: t0},
		{ID: 51, FirstName: lo.ToPtr("Sam"), CourierID: lo.ToPtr(int64(101)), CreatedAt: t0, UpdatedAt: t0},
		{ID: 52, FirstName: lo.ToPtr("Tia"), CourierID: lo.ToPtr(int64(101)), CreatedAt: t0, UpdatedAt: t1},
	}
	require.NoError(t, db.Create(&riders).Error)

	orders := []*etl.Order{
		{ID: 1000, UserID: lo.ToPtr(int64(1)), DeliveryDate: lo.ToPtr("2024-01-05"), DeliveryRiderID: lo.ToPtr(int64(50)), CreatedAt: t0, UpdatedAt: t0},
		{ID: 1001, UserID: lo.ToPtr(int64(2)), DeliveryDate: lo.ToPtr("01/06/2024"), CreatedAt: t0, UpdatedAt: t0},
		{ID: 1002, UserID: lo.ToPtr(int64(99)), CreatedAt: t0, UpdatedAt: t2}, // unknown user, dropped by the inner join
	}
	require.NoError(t, db.Create(&orders).Error)

	items := []*etl.OrderItem{
		{OrderID: 1000, ProductID: 11, Quantity: lo.ToPtr(int64(1)), CreatedAt: t0, UpdatedAt: t0},
		{OrderID: 1000, ProductID: 10, Quantity: lo.ToPtr(int64(2)), CreatedAt: t0, UpdatedAt: t0},
		{OrderID: 1001, ProductID: 10, Quantity: lo.ToPtr(int64(3)), CreatedAt: t0, UpdatedAt: t2},
		{OrderID: 1002, ProductID: 10, Quantity: lo.ToPtr(int64(4)), CreatedAt: t0, UpdatedAt: t2},
	}
	require.NoError(t, db.Create(&items).Error)
}

func TestExtractWithoutWatermarkReturnsEverything(t *testing.T) {
	ctx := context.Background()
	db, reader := setupSource(t)
	seedSource(t, db)

	users, err := reader.ExtractUsers(ctx, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, lo.Map(users, func(u *etl.User, _ int) int64 { return u.ID }))

	products, err := reader.ExtractProducts(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, products, 2)
	assert.Nil(t, products[1].Price, "Missing prices stay nil until transformed")

	couriers, err := reader.ExtractCouriers(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, couriers, 2)
}

func TestExtractIsStrictlyAfterWatermark(t *testing.T) {
	ctx := context.Background()
	db, reader := setupSource(t)
	seedSource(t, db)

	users, err := reader.ExtractUsers(ctx, etl.NewWatermark(etl.TableDimUsers, t1), 0)
	require.NoError(t, err)
	require.Len(t, users, 1, "Rows updated exactly at the watermark are not re-read")
	assert.Equal(t, int64(3), users[0].ID)

	riders, err := reader.ExtractRiders(ctx, etl.NewWatermark(etl.TableDimRiders, t2), 0)
	require.NoError(t, err)
	assert.Empty(t, riders)
}

func TestExtractHonorsLimit(t *testing.T) {
	ctx := context.Background()
	db, reader := setupSource(t)
	seedSource(t, db)

	users, err := reader.ExtractUsers(ctx, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, lo.Map(users, func(u *etl.User, _ int) int64 { return u.ID }))
}

func TestMalformedWatermarkFallsBackToFullExtraction(t *testing.T) {
	ctx := context.Background()
	db, reader := setupSource(t)
	seedSource(t, db)

	users, err := reader.ExtractUsers(ctx, &etl.Watermark{Table: etl.TableDimUsers, Raw: "not-a-time"}, 0)
	require.NoError(t, err)
	assert.Len(t, users, 3)

	rows, err := reader.ExtractJoinedFacts(ctx, &etl.Watermark{Table: etl.TableFactSales, Raw: ""}, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestExtractJoinedFacts(t *testing.T) {
	ctx := context.Background()
	db, reader := setupSource(t)
	seedSource(t, db)

	rows, err := reader.ExtractJoinedFacts(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3, "Orders with an unknown user are dropped by the inner join")

	keys := lo.Map(rows, func(row *etl.JoinedOrderRow, _ int) [2]int64 {
		return [2]int64{row.OrderID, lo.FromPtr(row.ProductID)}
	})
	assert.Equal(t, [][2]int64{{1000, 10}, {1000, 11}, {1001, 10}}, keys, "Rows are ordered by order id then product id")

	first := rows[0]
	assert.Equal(t, "alice", lo.FromPtr(first.Username))
	assert.Equal(t, "Teddy", lo.FromPtr(first.ProductName))
	assert.Equal(t, int64(50), lo.FromPtr(first.RiderID))
	assert.Equal(t, "FastCo", lo.FromPtr(first.CourierName))
	assert.Equal(t, int64(2), lo.FromPtr(first.Quantity))
	assert.True(t, first.OrderCreatedAt.Equal(t0))

	noRider := rows[2]
	assert.Nil(t, noRider.RiderID, "Orders without a rider keep a null rider")
	assert.Nil(t, noRider.CourierName)

	changed, err := reader.ExtractJoinedFacts(ctx, etl.NewWatermark(etl.TableFactSales, t1), 0)
	require.NoError(t, err)
	require.Len(t, changed, 1, "Either a changed order or a changed item selects the row")
	assert.Equal(t, int64(1001), changed[0].OrderID)

	limited, err := reader.ExtractJoinedFacts(ctx, nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestExtractRidersByCourier(t *testing.T) {
	ctx := context.Background()
	db, reader := setupSource(t)
	seedSource(t, db)

	riders, err := reader.ExtractRidersByCourier(ctx, []int64{101}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{51, 52}, lo.Map(riders, func(r *etl.Rider, _ int) int64 { return r.ID }))

	riders, err = reader.ExtractRidersByCourier(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, riders)
}

func TestTableCounts(t *testing.T) {
	ctx := context.Background()
	db, reader := setupSource(t)
	seedSource(t, db)

	counts, err := reader.TableCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		etl.SourceUsers:      3,
		etl.SourceProducts:   2,
		etl.SourceOrders:     3,
		etl.SourceOrderItems: 4,
		etl.SourceRiders:     3,
		etl.SourceCouriers:   2,
	}, counts)

	require.NoError(t, reader.Ping(ctx))
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := mysqlsource.Open("")
	require.Error(t, err)
	assert.Equal(t, etl.ErrKindConfig, etl.KindOf(err))
}
