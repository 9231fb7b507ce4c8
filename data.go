package etl

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// TargetData is the typed record slice bound for one warehouse table
type TargetData struct {
	Table    string
	Conflict []string // unique key columns the upsert matches on
	Records  any      // slice of model pointers, e.g. []*DimUser
}

// Len returns the number of records; anything but a slice counts as empty
func (data *TargetData) Len() int {
	if data == nil || data.Records == nil {
		return 0
	}
	rv := reflect.ValueOf(data.Records)
	if rv.Kind() != reflect.Slice {
		return 0
	}
	return rv.Len()
}

// Batch returns Records[from:to]
func (data *TargetData) Batch(from, to int) any {
	return reflect.ValueOf(data.Records).Slice(from, to).Interface()
}

// TargetDatas is loaded in order, so dimensions come before the facts that reference them
type TargetDatas []*TargetData

// Validate checks every entry names a table and its conflict columns and carries a slice
func (datas TargetDatas) Validate() error {
	for _, data := range datas {
		if data == nil || data.Table == "" {
			return errors.New("table is required")
		}
		if len(data.Conflict) == 0 {
			return errors.Errorf("table %s requires conflict columns", data.Table)
		}
		if data.Records != nil && reflect.ValueOf(data.Records).Kind() != reflect.Slice {
			return errors.Errorf("table %s records must be a slice, got %T", data.Table, data.Records)
		}
	}
	return nil
}

// FilterNonEmpty drops entries without records
func (datas TargetDatas) FilterNonEmpty() TargetDatas {
	return lo.Filter(datas, func(data *TargetData, _ int) bool { return data.Len() > 0 })
}
