package etl

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/theplant/appkit/log"
	"github.com/theplant/appkit/logtracing"
)

// DefaultBatchSize is the number of records sent per upsert batch
const DefaultBatchSize = 20000

// State is a step of a pipeline run
type State int

const (
	StateInit State = iota
	StateReadWatermarks
	StateExtract
	StateTransformDimensions
	StateEnsureDateDimension
	StateLoadDimensions
	StateTransformFacts
	StateLoadFacts
	StateAdvanceWatermarks
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateInit:                "Init",
	StateReadWatermarks:      "ReadWatermarks",
	StateExtract:             "Extract",
	StateTransformDimensions: "TransformDimensions",
	StateEnsureDateDimension: "EnsureDateDimension",
	StateLoadDimensions:      "LoadDimensions",
	StateTransformFacts:      "TransformFacts",
	StateLoadFacts:           "LoadFacts",
	StateAdvanceWatermarks:   "AdvanceWatermarks",
	StateDone:                "Done",
	StateFailed:              "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// PipelineConfig contains configuration for the pipeline
type PipelineConfig struct {
	// Core dependencies
	*Clients

	// Processing parameters
	SourceSystem SourceSystem
	BatchSize    int
	RowLimit     int // limits every extraction, for test runs; watermarks are not advanced when set
	DimDateStart time.Time
	DimDateEnd   time.Time

	// Optional configurations
	Logger *log.Logger
	Now    func() time.Time
}

// Validate validates the configuration
func (c *PipelineConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Clients == nil {
		return errors.New("Clients is required")
	}

	if c.Source == nil {
		return errors.New("Source is required")
	}

	if c.Warehouse == nil {
		return errors.New("Warehouse is required")
	}

	if c.Watermarks == nil {
		return errors.New("Watermarks is required")
	}

	if c.Loader == nil {
		return errors.New("Loader is required")
	}

	if c.SourceSystem == "" {
		return errors.New("SourceSystem is required")
	}

	if c.BatchSize <= 0 {
		return errors.New("BatchSize must be greater than 0")
	}

	if c.RowLimit < 0 {
		return errors.New("RowLimit must be greater than or equal to 0")
	}

	if c.DimDateEnd.Before(c.DimDateStart) {
		return errors.New("DimDateEnd must not be before DimDateStart")
	}

	return nil
}

// Pipeline runs one ETL pass. Runs must be serialized by the caller.
type Pipeline struct {
	*PipelineConfig
}

// NewPipeline creates a new Pipeline instance
func NewPipeline(conf *PipelineConfig) (*Pipeline, error) {
	if conf != nil {
		if conf.DimDateStart.IsZero() && conf.DimDateEnd.IsZero() {
			conf.DimDateStart, conf.DimDateEnd = DimDateStart, DimDateEnd
		}
		if conf.Logger == nil {
			l := log.Default()
			conf.Logger = &l
		}
		if conf.Now == nil {
			conf.Now = time.Now
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, WithKind(err, ErrKindConfig)
	}

	return &Pipeline{PipelineConfig: conf}, nil
}

// RunReport summarizes a pipeline run
type RunReport struct {
	States           []State
	SourceCounts     map[string]int64
	Extracted        map[string]int
	Loaded           []TableRecordCount
	Warnings         []*TransformWarning
	DimDateGenerated bool
	Watermarks       map[string]time.Time
}

// LoadedCount returns the number of records loaded into table
func (r *RunReport) LoadedCount(table string) int {
	for _, c := range r.Loaded {
		if c.Table == table {
			return c.RecordCount
		}
	}
	return 0
}

// run carries the data flowing between steps of a single pass
type run struct {
	report *RunReport
	marks  map[string]*Watermark
	next   map[string]time.Time

	users    []*User
	products []*Product
	riders   []*Rider
	couriers []*Courier
	joined   []*JoinedOrderRow

	dimUsers    []*DimUser
	dimProducts []*DimProduct
	dimRiders   []*DimRider
	dates       []*DimDate
	facts       []*FactSale
}

type step struct {
	state State
	fn    func(ctx context.Context, r *run) error
}

func (p *Pipeline) steps() []step {
	return []step{
		{StateReadWatermarks, p.readWatermarks},
		{StateExtract, p.extract},
		{StateTransformDimensions, p.transformDimensions},
		{StateEnsureDateDimension, p.ensureDateDimension},
		{StateLoadDimensions, p.loadDimensions},
		{StateTransformFacts, p.transformFacts},
		{StateLoadFacts, p.loadFacts},
		{StateAdvanceWatermarks, p.advanceWatermarks},
	}
}

// Run performs one ETL pass. On failure it returns a *StepError; writes already
// committed stay in the warehouse and watermarks keep their previous values.
func (p *Pipeline) Run(ctx context.Context) (report *RunReport, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "etl.Run")
	defer func() {
		span.AppendKVs("source_system", string(p.SourceSystem), "row_limit", p.RowLimit)
		logtracing.EndSpan(ctx, xerr)
	}()

	r := &run{
		report: &RunReport{
			Extracted:  make(map[string]int),
			Watermarks: make(map[string]time.Time),
		},
		next: make(map[string]time.Time),
	}
	r.report.States = append(r.report.States, StateInit)

	started := p.Now()
	for _, s := range p.steps() {
		r.report.States = append(r.report.States, s.state)
		if err := p.runStep(ctx, s, r); err != nil {
			r.report.States = append(r.report.States, StateFailed)
			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				stepErr = &StepError{Err: err}
			}
			stepErr.Step = s.state
			_ = p.Logger.Error().Log(
				"msg", "etl run failed",
				"step", s.state.String(),
				"table", stepErr.Table,
				"kind", KindOf(err),
				"err", err,
			)
			return r.report, stepErr
		}
	}
	r.report.States = append(r.report.States, StateDone)

	_ = p.Logger.Info().Log(
		"msg", "etl run done",
		"duration", p.Now().Sub(started).String(),
		"warnings", len(r.report.Warnings),
	)
	return r.report, nil
}

func (p *Pipeline) runStep(ctx context.Context, s step, r *run) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "etl.step")
	defer func() {
		span.AppendKVs("step", s.state.String())
		logtracing.EndSpan(ctx, xerr)
	}()
	return s.fn(ctx, r)
}

func (p *Pipeline) readWatermarks(ctx context.Context, r *run) error {
	marks, err := p.Watermarks.GetLastLoadTimes(ctx)
	if err != nil {
		return tableErr(TableETLControl, WithKind(err, ErrKindWatermark))
	}
	r.marks = marks

	for _, table := range []string{TableDimUsers, TableDimProducts, TableDimRiders, WatermarkCouriers, TableDimDate, TableFactSales} {
		mark, ok := marks[table]
		if !ok {
			_ = p.Logger.Info().Log("msg", "no watermark, full extraction", "table", table)
			continue
		}
		_ = p.Logger.Info().Log("msg", "watermark", "table", table, "last_load_time", mark.Raw)
	}
	return nil
}

func (p *Pipeline) extract(ctx context.Context, r *run) error {
	counts, err := p.Source.TableCounts(ctx)
	if err != nil {
		return WithKind(err, ErrKindSource)
	}
	r.report.SourceCounts = counts
	for _, table := range SourceTables {
		_ = p.Logger.Info().Log("msg", "source table", "table", table, "rows", counts[table])
	}

	if r.users, err = p.Source.ExtractUsers(ctx, r.marks[TableDimUsers], p.RowLimit); err != nil {
		return tableErr(SourceUsers, WithKind(err, ErrKindSource))
	}
	if r.products, err = p.Source.ExtractProducts(ctx, r.marks[TableDimProducts], p.RowLimit); err != nil {
		return tableErr(SourceProducts, WithKind(err, ErrKindSource))
	}
	if err := p.extractRiders(ctx, r); err != nil {
		return err
	}
	if r.joined, err = p.Source.ExtractJoinedFacts(ctx, r.marks[TableFactSales], p.RowLimit); err != nil {
		return tableErr(SourceOrders, WithKind(err, ErrKindSource))
	}

	r.report.Extracted[SourceUsers] = len(r.users)
	r.report.Extracted[SourceProducts] = len(r.products)
	r.report.Extracted[SourceRiders] = len(r.riders)
	r.report.Extracted[SourceCouriers] = len(r.couriers)
	r.report.Extracted[SourceOrderItems] = len(r.joined)

	setMax(r.next, TableDimUsers, lo.Map(r.users, func(u *User, _ int) time.Time { return u.UpdatedAt }))
	setMax(r.next, TableDimProducts, lo.Map(r.products, func(p *Product, _ int) time.Time { return p.UpdatedAt }))
	setMax(r.next, TableFactSales, lo.FlatMap(r.joined, func(row *JoinedOrderRow, _ int) []time.Time {
		return []time.Time{row.OrderUpdatedAt, row.OrderItemUpdatedAt}
	}))

	_ = p.Logger.Info().Log(
		"msg", "extracted",
		"users", len(r.users),
		"products", len(r.products),
		"riders", len(r.riders),
		"couriers", len(r.couriers),
		"order_items", len(r.joined),
	)
	return nil
}

// extractRiders reads riders changed since the DimRiders watermark plus the riders of
// couriers changed since the courier watermark, so a courier rename reaches DimRiders.
// Each watermark only moves with the rows its own query returned.
func (p *Pipeline) extractRiders(ctx context.Context, r *run) error {
	riderMark := r.marks[TableDimRiders]

	riders, err := p.Source.ExtractRiders(ctx, riderMark, p.RowLimit)
	if err != nil {
		return tableErr(SourceRiders, WithKind(err, ErrKindSource))
	}
	riderTimes := lo.Map(riders, func(rider *Rider, _ int) time.Time { return rider.UpdatedAt })

	changedCouriers, err := p.Source.ExtractCouriers(ctx, r.marks[WatermarkCouriers], p.RowLimit)
	if err != nil {
		return tableErr(SourceCouriers, WithKind(err, ErrKindSource))
	}

	// names resolve against every courier, whatever the row limit
	couriers, err := p.Source.ExtractCouriers(ctx, nil, 0)
	if err != nil {
		return tableErr(SourceCouriers, WithKind(err, ErrKindSource))
	}

	if riderMark != nil && len(changedCouriers) > 0 {
		courierIDs := lo.Map(changedCouriers, func(c *Courier, _ int) int64 { return c.ID })
		extra, err := p.Source.ExtractRidersByCourier(ctx, courierIDs, p.RowLimit)
		if err != nil {
			return tableErr(SourceRiders, WithKind(err, ErrKindSource))
		}
		riders = lo.UniqBy(append(riders, extra...), func(rider *Rider) int64 { return rider.ID })
		sort.Slice(riders, func(i, j int) bool { return riders[i].ID < riders[j].ID })
	}

	r.riders = riders
	r.couriers = couriers

	setMax(r.next, TableDimRiders, riderTimes)
	setMax(r.next, WatermarkCouriers, lo.Map(changedCouriers, func(c *Courier, _ int) time.Time { return c.UpdatedAt }))
	return nil
}

func (p *Pipeline) transformDimensions(_ context.Context, r *run) error {
	var warnings []*TransformWarning
	r.dimUsers, warnings = TransformDimUsers(r.users, p.SourceSystem)
	p.warn(r, warnings)
	r.dimProducts = TransformDimProducts(r.products, p.SourceSystem)
	r.dimRiders = TransformDimRiders(r.riders, r.couriers, p.SourceSystem)

	_ = p.Logger.Info().Log(
		"msg", "transformed dimensions",
		TableDimUsers, len(r.dimUsers),
		TableDimProducts, len(r.dimProducts),
		TableDimRiders, len(r.dimRiders),
	)
	return nil
}

// ensureDateDimension generates DimDate only when the table is missing days, then reads it back.
// Existing rows keep their ids because fullDate is the upsert key.
func (p *Pipeline) ensureDateDimension(ctx context.Context, r *run) error {
	count, err := p.Warehouse.CountDimDate(ctx)
	if err != nil {
		return tableErr(TableDimDate, err)
	}

	expected := GenerateDimDate(p.DimDateStart, p.DimDateEnd)
	if count < int64(len(expected)) {
		_ = p.Logger.Info().Log("msg", "generating date dimension", "existing", count, "rows", len(expected))
		if err := p.load(ctx, r, &TargetData{Table: TableDimDate, Conflict: DimDateConflict, Records: expected}); err != nil {
			return err
		}
		r.report.DimDateGenerated = true
		r.next[TableDimDate] = p.Now().UTC()
	}

	if r.dates, err = p.Warehouse.SelectDimDate(ctx); err != nil {
		return tableErr(TableDimDate, err)
	}
	if len(r.dates) == 0 {
		return tableErr(TableDimDate, errors.New("date dimension is empty"))
	}

	_ = p.Logger.Info().Log("msg", "date dimension ready", "rows", len(r.dates), "generated", r.report.DimDateGenerated)
	return nil
}

func (p *Pipeline) loadDimensions(ctx context.Context, r *run) error {
	datas := TargetDatas{
		{Table: TableDimUsers, Conflict: DimensionConflict, Records: r.dimUsers},
		{Table: TableDimProducts, Conflict: DimensionConflict, Records: r.dimProducts},
		{Table: TableDimRiders, Conflict: DimensionConflict, Records: r.dimRiders},
	}
	for _, data := range datas {
		if err := p.load(ctx, r, data); err != nil {
			return err
		}
	}
	return nil
}

// transformFacts runs after the dimensions are loaded so every surrogate key can be resolved
func (p *Pipeline) transformFacts(ctx context.Context, r *run) error {
	keys := &FactKeys{Dates: DateKeys(r.dates)}

	lookups := []struct {
		table string
		ids   func(row *JoinedOrderRow) *int64
		dest  *map[int64]int64
	}{
		{TableDimUsers, func(row *JoinedOrderRow) *int64 { return row.UserID }, &keys.Users},
		{TableDimRiders, func(row *JoinedOrderRow) *int64 { return row.DeliveryRiderID }, &keys.Riders},
		{TableDimProducts, func(row *JoinedOrderRow) *int64 { return row.ProductID }, &keys.Products},
	}
	for _, lookup := range lookups {
		ids := lo.Uniq(lo.FilterMap(r.joined, func(row *JoinedOrderRow, _ int) (int64, bool) {
			id := lookup.ids(row)
			if id == nil {
				return 0, false
			}
			return *id, true
		}))
		if len(ids) == 0 {
			*lookup.dest = map[int64]int64{}
			continue
		}
		m, err := p.Warehouse.SurrogateKeys(ctx, lookup.table, p.SourceSystem, ids)
		if err != nil {
			return tableErr(lookup.table, err)
		}
		*lookup.dest = m
	}

	var warnings []*TransformWarning
	r.facts, warnings = TransformFactSales(r.joined, keys, p.SourceSystem)
	p.warn(r, warnings)

	unknownDates := lo.CountBy(r.facts, func(f *FactSale) bool { return f.DeliveryDateID == UnknownKey })
	_ = p.Logger.Info().Log(
		"msg", "transformed facts",
		TableFactSales, len(r.facts),
		"unknown_delivery_dates", unknownDates,
	)
	return nil
}

func (p *Pipeline) loadFacts(ctx context.Context, r *run) error {
	return p.load(ctx, r, &TargetData{Table: TableFactSales, Conflict: FactSalesConflict, Records: r.facts})
}

func (p *Pipeline) advanceWatermarks(ctx context.Context, r *run) error {
	if p.RowLimit > 0 {
		_ = p.Logger.Warn().Log("msg", "row limit set, watermarks not advanced", "row_limit", p.RowLimit)
		return nil
	}

	tables := lo.Keys(r.next)
	sort.Strings(tables)
	for _, table := range tables {
		at := r.next[table]
		if err := p.Watermarks.UpdateLastLoadTime(ctx, table, at); err != nil {
			return tableErr(table, WithKind(err, ErrKindWatermark))
		}
		r.report.Watermarks[table] = at
		_ = p.Logger.Info().Log("msg", "watermark advanced", "table", table, "last_load_time", FormatWatermark(at))
	}
	return nil
}

func (p *Pipeline) load(ctx context.Context, r *run, data *TargetData) error {
	n := data.Len()
	if n == 0 {
		_ = p.Logger.Info().Log("msg", "nothing to load", "table", data.Table)
		return nil
	}
	if err := p.Loader.Load(ctx, TargetDatas{data}, p.BatchSize); err != nil {
		return tableErr(data.Table, WithKind(err, ErrKindLoad))
	}
	r.report.Loaded = append(r.report.Loaded, TableRecordCount{
		Table:       data.Table,
		RecordCount: n,
		Batches:     (n + p.BatchSize - 1) / p.BatchSize,
	})
	_ = p.Logger.Info().Log("msg", "loaded", "table", data.Table, "rows", n)
	return nil
}

func (p *Pipeline) warn(r *run, warnings []*TransformWarning) {
	for _, w := range warnings {
		_ = p.Logger.Warn().Log("msg", "malformed value replaced", "value", w.String(), "kind", ErrKindMalformed)
	}
	r.report.Warnings = append(r.report.Warnings, warnings...)
}

// setMax records the latest of times as the next watermark of table. Nothing is recorded for no rows.
func setMax(next map[string]time.Time, table string, times []time.Time) {
	for _, t := range times {
		if cur, ok := next[table]; !ok || t.After(cur) {
			next[table] = t
		}
	}
}
