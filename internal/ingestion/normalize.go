package ingestion

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/rpattn/blacklist/internal/domain"
)

// Record is one source row mapped onto blacklist fields.
type Record struct {
	RowNumber    int
	Domain       string
	Name         string
	Reason       string
	Category     string
	HitCount     int
	OriginalData json.RawMessage
}

var (
	nameColumns     = []string{"name", "title", "site_name"}
	reasonColumns   = []string{"reason", "description", "notes", "comment"}
	categoryColumns = []string{"category", "type", "threat_type"}
	hitColumns      = []string{"hit_count", "hits", "hitcount", "count"}
)

// Normalize maps a raw row onto the canonical columns. It never fails: missing
// values take their defaults and unreadable hit counts become zero.
func Normalize(columns []string, row RawRow) Record {
	values := make(map[string]string, len(columns))
	for idx, column := range columns {
		if idx < len(row.Cells) {
			values[column] = strings.TrimSpace(row.Cells[idx])
		} else {
			values[column] = ""
		}
	}

	rec := Record{
		RowNumber:    row.Number,
		Domain:       normalizeDomain(discoverKey(columns, values)),
		Name:         firstValue(values, nameColumns),
		Reason:       firstValue(values, reasonColumns),
		Category:     strings.ToLower(firstValue(values, categoryColumns)),
		HitCount:     parseHitCount(firstValue(values, hitColumns)),
		OriginalData: originalData(columns, row.Cells),
	}
	if rec.Name == "" {
		rec.Name = domain.DefaultName
	}
	if rec.Category == "" {
		rec.Category = domain.DefaultCategory
	}
	return rec
}

// discoverKey prefers the domain column, then any column whose name hints at a
// domain. Files with no such column at all fall back to the first non-empty cell.
func discoverKey(columns []string, values map[string]string) string {
	if v := values["domain"]; v != "" {
		return v
	}

	hinted := false
	for _, column := range columns {
		if !hasKeyHint(column) {
			continue
		}
		hinted = true
		if v := values[column]; v != "" {
			return v
		}
	}
	if hinted {
		return ""
	}

	for _, column := range columns {
		if v := values[column]; v != "" {
			return v
		}
	}
	return ""
}

func normalizeDomain(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if strings.Contains(value, "://") {
		if parsed, err := url.Parse(value); err == nil && parsed.Hostname() != "" {
			value = parsed.Hostname()
		}
	}
	return domain.CanonicalDomain(value)
}

func firstValue(values map[string]string, names []string) string {
	for _, name := range names {
		if v := values[name]; v != "" {
			return v
		}
	}
	return ""
}

func parseHitCount(raw string) int {
	value := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if value == "" {
		return 0
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 {
			return 0
		}
		return min(n, math.MaxInt32)
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || f != math.Trunc(f) {
		return 0
	}
	return int(math.Min(f, math.MaxInt32))
}

// originalData keeps every cell of the row keyed by column, so overflow cells
// beyond the header survive as columnN.
func originalData(columns []string, cells []string) json.RawMessage {
	raw := make(map[string]string, len(cells))
	for idx, cell := range cells {
		key := fmt.Sprintf("column%d", idx+1)
		if idx < len(columns) {
			key = columns[idx]
		}
		raw[key] = cell
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return json.RawMessage("{}")
	}
	return payload
}
