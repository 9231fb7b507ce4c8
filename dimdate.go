package etl

import (
	"time"

	"gorm.io/datatypes"
)

// Default DimDate range, inclusive
var (
	DimDateStart = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	DimDateEnd   = time.Date(2029, time.December, 31, 0, 0, 0, 0, time.UTC)
)

// GenerateDimDate returns one row per calendar day in [start, end]. Ids are left for the warehouse to assign.
func GenerateDimDate(start, end time.Time) []*DimDate {
	day := truncateDay(start)
	last := truncateDay(end)
	if day.After(last) {
		return nil
	}

	rows := make([]*DimDate, 0, int(last.Sub(day).Hours()/24)+1)
	for ; !day.After(last); day = day.AddDate(0, 0, 1) {
		rows = append(rows, &DimDate{
			FullDate:     datatypes.Date(day),
			Year:         day.Year(),
			Month:        int(day.Month()),
			Day:          day.Day(),
			MonthName:    day.Month().String(),
			DayOfTheWeek: day.Weekday().String(),
			Quarter:      (int(day.Month())-1)/3 + 1,
		})
	}
	return rows
}

// DateKeys maps the calendar day of every DimDate row to its surrogate id
func DateKeys(dates []*DimDate) map[string]int64 {
	keys := make(map[string]int64, len(dates))
	for _, d := range dates {
		keys[DateKey(time.Time(d.FullDate).UTC())] = d.ID
	}
	return keys
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
