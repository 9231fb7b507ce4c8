package etl

import (
	"fmt"

	"github.com/samber/lo"
	"gorm.io/datatypes"
)

// TransformWarning records a malformed source value that was replaced by a sentinel
type TransformWarning struct {
	Table    string
	SourceID int64
	Field    string
	Value    string
}

func (w *TransformWarning) String() string {
	return fmt.Sprintf("%s[%d].%s=%q", w.Table, w.SourceID, w.Field, w.Value)
}

// TransformDimUsers transforms Users rows into DimUsers rows
func TransformDimUsers(users []*User, system SourceSystem) ([]*DimUser, []*TransformWarning) {
	var warnings []*TransformWarning
	dims := make([]*DimUser, 0, len(users))
	for _, user := range users {
		dob, ok := parseOptionalDate(user.DateOfBirth)
		if !ok {
			warnings = append(warnings, &TransformWarning{
				Table:    SourceUsers,
				SourceID: user.ID,
				Field:    "dateOfBirth",
				Value:    lo.FromPtr(user.DateOfBirth),
			})
		}
		dims = append(dims, &DimUser{
			FirstName:    lo.FromPtr(user.FirstName),
			LastName:     lo.FromPtr(user.LastName),
			City:         lo.FromPtr(user.City),
			Country:      lo.FromPtr(user.Country),
			DateOfBirth:  dob,
			Gender:       NormalizeGender(user.Gender),
			CreatedAt:    user.CreatedAt.UTC(),
			UpdatedAt:    user.UpdatedAt.UTC(),
			SourceID:     user.ID,
			SourceSystem: system,
		})
	}
	return dims, warnings
}

// TransformDimProducts transforms Products rows into DimProducts rows
func TransformDimProducts(products []*Product, system SourceSystem) []*DimProduct {
	return lo.Map(products, func(product *Product, _ int) *DimProduct {
		return &DimProduct{
			ProductCode:  lo.FromPtr(product.ProductCode),
			Category:     NormalizeCategory(product.Category),
			Description:  lo.FromPtr(product.Description),
			Name:         lo.FromPtr(product.Name),
			Price:        finiteOr(product.Price, 0),
			CreatedAt:    product.CreatedAt.UTC(),
			UpdatedAt:    product.UpdatedAt.UTC(),
			SourceID:     product.ID,
			SourceSystem: system,
		}
	})
}

// TransformDimRiders left-joins riders with couriers on courierId and transforms them into DimRiders rows.
// Riders without a matching courier keep an empty courier name.
func TransformDimRiders(riders []*Rider, couriers []*Courier, system SourceSystem) []*DimRider {
	courierNames := make(map[int64]string, len(couriers))
	for _, courier := range couriers {
		courierNames[courier.ID] = lo.FromPtr(courier.Name)
	}

	return lo.Map(riders, func(rider *Rider, _ int) *DimRider {
		var courierName string
		if rider.CourierID != nil {
			courierName = courierNames[*rider.CourierID]
		}
		return &DimRider{
			FirstName:    lo.FromPtr(rider.FirstName),
			LastName:     lo.FromPtr(rider.LastName),
			VehicleType:  NormalizeVehicleType(rider.VehicleType),
			CourierName:  courierName,
			Age:          lo.FromPtr(rider.Age),
			Gender:       NormalizeGender(rider.Gender),
			CreatedAt:    rider.CreatedAt.UTC(),
			UpdatedAt:    rider.UpdatedAt.UTC(),
			SourceID:     rider.ID,
			SourceSystem: system,
		}
	})
}

// parseOptionalDate returns nil for blank or sentinel values. ok is false only for malformed values.
func parseOptionalDate(raw *string) (*datatypes.Date, bool) {
	if IsBlankDate(raw) {
		return nil, true
	}
	t, ok := ParseLenientDate(*raw)
	if !ok {
		return nil, false
	}
	d := datatypes.Date(t)
	return &d, true
}
