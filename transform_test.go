package etl_test

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etl "github.com/theplant/dwetl"
)

var created = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTransformDimRidersJoinsCouriers(t *testing.T) {
	riders := []*etl.Rider{
		{ID: 1, FirstName: lo.ToPtr("Ana"), CourierID: lo.ToPtr(int64(7)), VehicleType: lo.ToPtr("motorbike"), CreatedAt: created, UpdatedAt: created},
		{ID: 2, FirstName: lo.ToPtr("Ben"), CourierID: nil, CreatedAt: created, UpdatedAt: created},
		{ID: 3, FirstName: lo.ToPtr("Cai"), CourierID: lo.ToPtr(int64(99)), CreatedAt: created, UpdatedAt: created},
	}
	couriers := []*etl.Courier{{ID: 7, Name: lo.ToPtr("FastCo"), CreatedAt: created, UpdatedAt: created}}

	dims := etl.TransformDimRiders(riders, couriers, etl.SourceMySQL)
	require.Len(t, dims, 3, "Riders without a courier are kept")

	assert.Equal(t, "FastCo", dims[0].CourierName)
	assert.Equal(t, int64(1), dims[0].SourceID)
	assert.Equal(t, "Motorcycle", dims[0].VehicleType)
	assert.Equal(t, etl.SourceMySQL, dims[0].SourceSystem)

	assert.Equal(t, "", dims[1].CourierName)
	assert.Equal(t, "", dims[2].CourierName, "Unknown couriers leave the name empty")
}

func TestTransformDimensionsWithAllFieldsAbsent(t *testing.T) {
	users, warnings := etl.TransformDimUsers([]*etl.User{{ID: 1, CreatedAt: created, UpdatedAt: created}}, etl.SourceMySQL)
	require.Len(t, users, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, &etl.DimUser{
		CreatedAt:    created,
		UpdatedAt:    created,
		SourceID:     1,
		SourceSystem: etl.SourceMySQL,
	}, users[0])

	products := etl.TransformDimProducts([]*etl.Product{{ID: 2, CreatedAt: created, UpdatedAt: created}}, etl.SourceMySQL)
	require.Len(t, products, 1)
	assert.Equal(t, 0.0, products[0].Price)
	assert.Equal(t, "", products[0].Category)
	assert.Equal(t, "", products[0].ProductCode)

	riders := etl.TransformDimRiders([]*etl.Rider{{ID: 3, CreatedAt: created, UpdatedAt: created}}, nil, etl.SourceMySQL)
	require.Len(t, riders, 1)
	assert.Equal(t, int64(0), riders[0].Age)
	assert.Equal(t, "", riders[0].Gender)
	assert.Equal(t, "", riders[0].VehicleType)
}

func TestTransformDimUsersDateOfBirth(t *testing.T) {
	users := []*etl.User{
		{ID: 1, DateOfBirth: lo.ToPtr("1990-03-04"), Gender: lo.ToPtr("f")},
		{ID: 2, DateOfBirth: lo.ToPtr("03/04/1990"), Gender: lo.ToPtr("M")},
		{ID: 3, DateOfBirth: lo.ToPtr("0000-00-00")},
		{ID: 4, DateOfBirth: lo.ToPtr("")},
		{ID: 5, DateOfBirth: lo.ToPtr("not a date")},
	}

	dims, warnings := etl.TransformDimUsers(users, etl.SourceMySQL)
	require.Len(t, dims, 5)

	want := time.Date(1990, 3, 4, 0, 0, 0, 0, time.UTC)
	require.NotNil(t, dims[0].DateOfBirth)
	assert.True(t, time.Time(*dims[0].DateOfBirth).Equal(want))
	require.NotNil(t, dims[1].DateOfBirth)
	assert.True(t, time.Time(*dims[1].DateOfBirth).Equal(want))
	assert.Equal(t, "Female", dims[0].Gender)
	assert.Equal(t, "Male", dims[1].Gender)

	assert.Nil(t, dims[2].DateOfBirth, "The zero-date sentinel means no value")
	assert.Nil(t, dims[3].DateOfBirth)
	assert.Nil(t, dims[4].DateOfBirth, "Malformed dates are dropped, not defaulted")

	require.Len(t, warnings, 1, "Only the malformed value is reported")
	assert.Equal(t, int64(5), warnings[0].SourceID)
	assert.Equal(t, "dateOfBirth", warnings[0].Field)
	assert.Equal(t, "not a date", warnings[0].Value)
}
