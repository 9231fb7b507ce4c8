package etl

import (
	"context"
	"time"
)

// SourceReader defines the interface for reading changed rows from the operational store
type SourceReader interface {
	// Ping checks connectivity, retrying transient failures
	Ping(ctx context.Context) error

	// TableCounts returns the row count of every source table
	TableCounts(ctx context.Context) (map[string]int64, error)

	// ExtractUsers returns users updated strictly after since, or every user when since is nil
	ExtractUsers(ctx context.Context, since *Watermark, limit int) ([]*User, error)
	ExtractProducts(ctx context.Context, since *Watermark, limit int) ([]*Product, error)
	ExtractRiders(ctx context.Context, since *Watermark, limit int) ([]*Rider, error)
	ExtractCouriers(ctx context.Context, since *Watermark, limit int) ([]*Courier, error)

	// ExtractRidersByCourier returns every rider assigned to one of the given couriers
	ExtractRidersByCourier(ctx context.Context, courierIDs []int64, limit int) ([]*Rider, error)

	// ExtractJoinedFacts returns order items joined with their order, user, product, rider and courier,
	// ordered by (orderId, productId)
	ExtractJoinedFacts(ctx context.Context, since *Watermark, limit int) ([]*JoinedOrderRow, error)
}

// WatermarkStore persists the last successful load time of every warehouse table
type WatermarkStore interface {
	// GetLastLoadTimes returns the stored watermarks keyed by table name.
	// A missing key means the table has never been loaded.
	GetLastLoadTimes(ctx context.Context) (map[string]*Watermark, error)

	// UpdateLastLoadTime records at as the table's watermark. Older values never replace newer ones.
	UpdateLastLoadTime(ctx context.Context, table string, at time.Time) error
}

// Loader writes target data into the warehouse with insert-or-update semantics
type Loader interface {
	// Load upserts every non-empty TargetData in order, keyed by its Conflict columns
	Load(ctx context.Context, datas TargetDatas, batchSize int) error
}

// Warehouse represents the read side of the warehouse needed by the pipeline
type Warehouse interface {
	Ping(ctx context.Context) error

	// CountDimDate returns the number of rows in DimDate
	CountDimDate(ctx context.Context) (int64, error)

	// SelectDimDate reads the whole DimDate table
	SelectDimDate(ctx context.Context) ([]*DimDate, error)

	// SurrogateKeys maps source ids to the surrogate ids of a dimension table
	SurrogateKeys(ctx context.Context, table string, system SourceSystem, sourceIDs []int64) (map[int64]int64, error)
}

// Clients owns the long-lived handles of one process. It is built once at startup
// and shared by reference with every component of a run.
type Clients struct {
	Source     SourceReader
	Warehouse  Warehouse
	Watermarks WatermarkStore
	Loader     Loader
}
