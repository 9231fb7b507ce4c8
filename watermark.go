package etl

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// WatermarkLayout is the layout used when persisting watermarks
var WatermarkLayout = time.RFC3339Nano

var watermarkLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// Watermark represents the stored last load time of a table
type Watermark struct {
	Table string `json:"table"`
	Raw   string `json:"raw"`
}

// NewWatermark creates a watermark for the given time
func NewWatermark(table string, at time.Time) *Watermark {
	return &Watermark{Table: table, Raw: FormatWatermark(at)}
}

// FormatWatermark renders at in the persisted layout
func FormatWatermark(at time.Time) string {
	return at.UTC().Format(WatermarkLayout)
}

// At parses the stored value
func (w *Watermark) At() (time.Time, error) {
	if w == nil {
		return time.Time{}, errors.New("watermark is nil")
	}
	raw := strings.TrimSpace(w.Raw)
	if raw == "" {
		return time.Time{}, errors.Errorf("watermark for %s is blank", w.Table)
	}
	for _, layout := range watermarkLayouts {
		if at, err := time.Parse(layout, raw); err == nil {
			return at.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("malformed watermark for %s: %q", w.Table, w.Raw)
}

// String implements fmt.Stringer interface for Watermark
func (w *Watermark) String() string {
	if w == nil {
		return "null"
	}
	return w.Table + "@" + w.Raw
}
