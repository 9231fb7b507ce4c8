package etl

import (
	"github.com/samber/lo"
)

// FactKeys resolves natural keys of a joined row into warehouse surrogate keys
type FactKeys struct {
	Dates    map[string]int64 // YYYY-MM-DD -> DimDate.id
	Users    map[int64]int64  // Users.id -> DimUsers.id
	Riders   map[int64]int64  // Riders.id -> DimRiders.id
	Products map[int64]int64  // Products.id -> DimProducts.id
}

// UnknownKey is the foreign key of a missing or unresolvable dimension row.
// Warehouse surrogate keys start at 1.
const UnknownKey int64 = 0

func (keys *FactKeys) resolve(m map[int64]int64, sourceID *int64) int64 {
	if keys == nil || sourceID == nil {
		return UnknownKey
	}
	if id, ok := m[*sourceID]; ok {
		return id
	}
	return UnknownKey
}

func (keys *FactKeys) date(raw *string) (id int64, malformed bool) {
	if IsBlankDate(raw) {
		return UnknownKey, false
	}
	t, ok := ParseLenientDate(*raw)
	if !ok {
		return UnknownKey, true
	}
	if keys == nil {
		return UnknownKey, false
	}
	if id, ok := keys.Dates[DateKey(t)]; ok {
		return id, false
	}
	return UnknownKey, false
}

// TransformFactSales turns joined order rows into FactSales rows.
// Unresolvable keys become UnknownKey, unparseable delivery dates are reported as warnings.
func TransformFactSales(rows []*JoinedOrderRow, keys *FactKeys, system SourceSystem) ([]*FactSale, []*TransformWarning) {
	var warnings []*TransformWarning
	facts := make([]*FactSale, 0, len(rows))
	for _, row := range rows {
		deliveryDateID, malformed := keys.date(row.DeliveryDate)
		if malformed {
			warnings = append(warnings, &TransformWarning{
				Table:    SourceOrders,
				SourceID: row.OrderID,
				Field:    "deliveryDate",
				Value:    lo.FromPtr(row.DeliveryDate),
			})
		}

		var users, riders, products map[int64]int64
		if keys != nil {
			users, riders, products = keys.Users, keys.Riders, keys.Products
		}

		facts = append(facts, &FactSale{
			UserID:          keys.resolve(users, row.UserID),
			DeliveryDateID:  deliveryDateID,
			DeliveryRiderID: keys.resolve(riders, row.DeliveryRiderID),
			ProductID:       keys.resolve(products, row.ProductID),
			QuantitySold:    lo.FromPtr(row.Quantity),
			CreatedAt:       row.OrderCreatedAt.UTC(),
			SourceID:        row.OrderID,
			SourceProductID: lo.FromPtr(row.ProductID),
			SourceSystem:    system,
		})
	}
	return facts, warnings
}
