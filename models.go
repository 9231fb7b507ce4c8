package etl

import (
	"time"

	"gorm.io/datatypes"
)

// SourceSystem tags the operational system a warehouse row was loaded from.
// New sources add values; it is never treated as a flag.
type SourceSystem string

const (
	SourceMySQL SourceSystem = "source-mysql"
)

// Warehouse table names
const (
	TableDimUsers    = "DimUsers"
	TableDimProducts = "DimProducts"
	TableDimRiders   = "DimRiders"
	TableDimDate     = "DimDate"
	TableFactSales   = "FactSales"
	TableETLControl  = "ETLControl"
)

// WatermarkCouriers is the ETLControl key tracking courier changes that re-emit DimRiders rows
const WatermarkCouriers = TableDimRiders + ".Couriers"

// Source table names
const (
	SourceUsers      = "Users"
	SourceProducts   = "Products"
	SourceOrders     = "Orders"
	SourceOrderItems = "OrderItems"
	SourceRiders     = "Riders"
	SourceCouriers   = "Couriers"
)

// SourceTables lists the operational tables in extraction order
var SourceTables = []string{SourceUsers, SourceProducts, SourceOrders, SourceOrderItems, SourceRiders, SourceCouriers}

// Conflict keys used by the upserts
var (
	DimensionConflict = []string{"sourceId", "sourceSystem"}
	DimDateConflict   = []string{"fullDate"}
	FactSalesConflict = []string{"sourceId", "sourceProductId", "sourceSystem"}
)

// ====== Source Models (operational system, read only) ======

type User struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username    *string   `gorm:"column:username"`
	FirstName   *string   `gorm:"column:firstName"`
	LastName    *string   `gorm:"column:lastName"`
	Address1    *string   `gorm:"column:address1"`
	Address2    *string   `gorm:"column:address2"`
	City        *string   `gorm:"column:city"`
	Country     *string   `gorm:"column:country"`
	ZipCode     *string   `gorm:"column:zipCode"`
	PhoneNumber *string   `gorm:"column:phoneNumber"`
	DateOfBirth *string   `gorm:"column:dateOfBirth"`
	Gender      *string   `gorm:"column:gender"`
	CreatedAt   time.Time `gorm:"column:createdAt;not null;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"column:updatedAt;not null;autoUpdateTime:false"`
}

func (User) TableName() string { return SourceUsers }

type Product struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ProductCode *string   `gorm:"column:productCode"`
	Category    *string   `gorm:"column:category"`
	Description *string   `gorm:"column:description"`
	Name        *string   `gorm:"column:name"`
	Price       *float64  `gorm:"column:price"`
	CreatedAt   time.Time `gorm:"column:createdAt;not null;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"column:updatedAt;not null;autoUpdateTime:false"`
}

func (Product) TableName() string { return SourceProducts }

type Courier struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name      *string   `gorm:"column:name"`
	CreatedAt time.Time `gorm:"column:createdAt;not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"column:updatedAt;not null;autoUpdateTime:false"`
}

func (Courier) TableName() string { return SourceCouriers }

type Rider struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	FirstName   *string   `gorm:"column:firstName"`
	LastName    *string   `gorm:"column:lastName"`
	VehicleType *string   `gorm:"column:vehicleType"`
	CourierID   *int64    `gorm:"column:courierId"`
	Age         *int64    `gorm:"column:age"`
	Gender      *string   `gorm:"column:gender"`
	CreatedAt   time.Time `gorm:"column:createdAt;not null;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"column:updatedAt;not null;autoUpdateTime:false"`
}

func (Rider) TableName() string { return SourceRiders }

type Order struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	OrderNumber     *string   `gorm:"column:orderNumber"`
	UserID          *int64    `gorm:"column:userId"`
	DeliveryDate    *string   `gorm:"column:deliveryDate"`
	DeliveryRiderID *int64    `gorm:"column:deliveryRiderId"`
	CreatedAt       time.Time `gorm:"column:createdAt;not null;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"column:updatedAt;not null;autoUpdateTime:false"`
}

func (Order) TableName() string { return SourceOrders }

// OrderItem is keyed by (OrderId, ProductId)
type OrderItem struct {
	OrderID   int64     `gorm:"column:OrderId;primaryKey;autoIncrement:false"`
	ProductID int64     `gorm:"column:ProductId;primaryKey;autoIncrement:false"`
	Quantity  *int64    `gorm:"column:quantity"`
	Notes     *string   `gorm:"column:notes"`
	CreatedAt time.Time `gorm:"column:createdAt;not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"column:updatedAt;not null;autoUpdateTime:false"`
}

func (OrderItem) TableName() string { return SourceOrderItems }

// JoinedOrderRow is one order item joined with its order, user, product, rider and courier
type JoinedOrderRow struct {
	OrderID            int64     `gorm:"column:orderId"`
	OrderNumber        *string   `gorm:"column:orderNumber"`
	UserID             *int64    `gorm:"column:userId"`
	DeliveryDate       *string   `gorm:"column:deliveryDate"`
	DeliveryRiderID    *int64    `gorm:"column:deliveryRiderId"`
	OrderCreatedAt     time.Time `gorm:"column:orderCreatedAt"`
	OrderUpdatedAt     time.Time `gorm:"column:orderUpdatedAt"`
	ProductID          *int64    `gorm:"column:productId"`
	Quantity           *int64    `gorm:"column:quantity"`
	Notes              *string   `gorm:"column:notes"`
	OrderItemUpdatedAt time.Time `gorm:"column:orderItemUpdatedAt"`
	Username           *string   `gorm:"column:username"`
	ProductName        *string   `gorm:"column:productName"`
	Price              *float64  `gorm:"column:price"`
	RiderID            *int64    `gorm:"column:riderId"`
	CourierName        *string   `gorm:"column:courierName"`
}

// ====== Warehouse Models (star schema) ======

type DimUser struct {
	ID           int64           `gorm:"column:id;primaryKey;autoIncrement"`
	FirstName    string          `gorm:"column:firstName;size:255;not null"`
	LastName     string          `gorm:"column:lastName;size:255;not null"`
	City         string          `gorm:"column:city;size:255;not null"`
	Country      string          `gorm:"column:country;size:255;not null"`
	DateOfBirth  *datatypes.Date `gorm:"column:dateOfBirth"`
	Gender       string          `gorm:"column:gender;size:255;not null"`
	CreatedAt    time.Time       `gorm:"column:createdAt;not null;autoCreateTime:false"`
	UpdatedAt    time.Time       `gorm:"column:updatedAt;not null;autoUpdateTime:false"`
	SourceID     int64           `gorm:"column:sourceId;not null;uniqueIndex:uq_dim_users_source"`
	SourceSystem SourceSystem    `gorm:"column:sourceSystem;size:64;not null;uniqueIndex:uq_dim_users_source"`
}

func (DimUser) TableName() string { return TableDimUsers }

type DimProduct struct {
	ID           int64        `gorm:"column:id;primaryKey;autoIncrement"`
	ProductCode  string       `gorm:"column:productCode;size:255;not null"`
	Category     string       `gorm:"column:category;size:255;not null"`
	Description  string       `gorm:"column:description;size:255"`
	Name         string       `gorm:"column:name;size:255;not null"`
	Price        float64      `gorm:"column:price;not null"`
	CreatedAt    time.Time    `gorm:"column:createdAt;not null;autoCreateTime:false"`
	UpdatedAt    time.Time    `gorm:"column:updatedAt;not null;autoUpdateTime:false"`
	SourceID     int64        `gorm:"column:sourceId;not null;uniqueIndex:uq_dim_products_source"`
	SourceSystem SourceSystem `gorm:"column:sourceSystem;size:64;not null;uniqueIndex:uq_dim_products_source"`
}

func (DimProduct) TableName() string { return TableDimProducts }

type DimRider struct {
	ID           int64        `gorm:"column:id;primaryKey;autoIncrement"`
	FirstName    string       `gorm:"column:firstName;size:255;not null"`
	LastName     string       `gorm:"column:lastName;size:255;not null"`
	VehicleType  string       `gorm:"column:vehicleType;size:255;not null"`
	CourierName  string       `gorm:"column:courierName;size:255;not null"`
	Age          int64        `gorm:"column:age;not null"`
	Gender       string       `gorm:"column:gender;size:255;not null"`
	CreatedAt    time.Time    `gorm:"column:createdAt;not null;autoCreateTime:false"`
	UpdatedAt    time.Time    `gorm:"column:updatedAt;not null;autoUpdateTime:false"`
	SourceID     int64        `gorm:"column:sourceId;not null;uniqueIndex:uq_dim_riders_source"`
	SourceSystem SourceSystem `gorm:"column:sourceSystem;size:64;not null;uniqueIndex:uq_dim_riders_source"`
}

func (DimRider) TableName() string { return TableDimRiders }

// DimDate is generated once; its ids are referenced by FactSales and must never be reassigned
type DimDate struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement"`
	FullDate     datatypes.Date `gorm:"column:fullDate;not null;uniqueIndex:uq_dim_date_full_date"`
	Year         int            `gorm:"column:year;not null"`
	Month        int            `gorm:"column:month;not null"`
	Day          int            `gorm:"column:day;not null"`
	MonthName    string         `gorm:"column:monthName;size:255;not null"`
	DayOfTheWeek string         `gorm:"column:dayOfTheWeek;size:255;not null"`
	Quarter      int            `gorm:"column:quarter;not null"`
}

func (DimDate) TableName() string { return TableDimDate }

// FactSale is one order item. UserID, DeliveryRiderID, ProductID and DeliveryDateID
// hold warehouse surrogate keys; 0 means unknown.
type FactSale struct {
	ID              int64        `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          int64        `gorm:"column:userId;not null"`
	DeliveryDateID  int64        `gorm:"column:deliveryDateId;not null"`
	DeliveryRiderID int64        `gorm:"column:deliveryRiderId;not null"`
	ProductID       int64        `gorm:"column:productId;not null"`
	QuantitySold    int64        `gorm:"column:quantitySold;not null"`
	CreatedAt       time.Time    `gorm:"column:createdAt;not null;autoCreateTime:false"`
	SourceID        int64        `gorm:"column:sourceId;not null;uniqueIndex:uq_fact_sales_source"`
	SourceProductID int64        `gorm:"column:sourceProductId;not null;uniqueIndex:uq_fact_sales_source"`
	SourceSystem    SourceSystem `gorm:"column:sourceSystem;size:64;not null;uniqueIndex:uq_fact_sales_source"`
}

func (FactSale) TableName() string { return TableFactSales }

// ETLControl holds one watermark per warehouse table
type ETLControl struct {
	Table        string `gorm:"column:tableName;primaryKey;size:255"`
	LastLoadTime string `gorm:"column:lastLoadTime;size:64;not null"`
}

func (ETLControl) TableName() string { return TableETLControl }

// WarehouseModels lists the star schema models in dependency order
func WarehouseModels() []any {
	return []any{&DimUser{}, &DimProduct{}, &DimRider{}, &DimDate{}, &FactSale{}, &ETLControl{}}
}

// SourceModels lists the operational models
func SourceModels() []any {
	return []any{&User{}, &Product{}, &Courier{}, &Rider{}, &Order{}, &OrderItem{}}
}
