package ingestion

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported file format", domain.ErrParse)

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	// keyHints mark a column (or header line) that carries the domain.
	keyHints = []string{"domain", "url", "website"}

	candidateDelimiters = []rune{',', ';', '\t', '|'}
)

const delimiterSampleLines = 20

// RawRow is one non-blank source record with its 1-based line number.
type RawRow struct {
	Number int
	Cells  []string
}

// Table is an uploaded file after header detection.
type Table struct {
	// Columns are the canonical (sanitized, lower-cased) column names.
	Columns []string
	// RawColumns are the header cells as written, or the synthetic names.
	RawColumns []string
	// HeaderLine is the 1-based line of the header, or 0 when the names are synthetic.
	HeaderLine int
	Synthetic  bool
	Rows       []RawRow
}

// ReadTable reads an uploaded CSV or XLSX stream and sniffs its header.
// Only I/O and unrecoverable decoding failures are errors; they wrap domain.ErrParse.
func ReadTable(fileName string, r io.Reader) (Table, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return Table{}, fmt.Errorf("%w: failed to read upload: %v", domain.ErrParse, err)
	}

	var rows []RawRow
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".xlsx", ".xlsm":
		rows, err = readExcel(payload)
	case ".csv", ".tsv", ".txt", "":
		rows, err = readDelimited(payload)
	default:
		return Table{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return Table{}, err
	}

	return Sniff(rows), nil
}

// Sniff locates the header among rows and returns the table built around it.
//
// The widest records are header candidates. The first of them that mentions a key
// hint becomes the header and the lines above it are dropped as banners. Otherwise
// a narrower line naming a key column exactly is taken as the header and padded
// out to the widest record. When there is neither, every row is data and
// positional names column1..N are used.
func Sniff(rows []RawRow) Table {
	rows = dropBlank(rows)
	if len(rows) == 0 {
		return Table{Columns: []string{}, RawColumns: []string{}, Rows: []RawRow{}, Synthetic: true}
	}

	maxFields := 0
	for _, row := range rows {
		if len(row.Cells) > maxFields {
			maxFields = len(row.Cells)
		}
	}

	headerIdx := -1
	for idx, row := range rows {
		if len(row.Cells) == maxFields && rowHasKeyHint(row.Cells) {
			headerIdx = idx
			break
		}
	}
	if headerIdx < 0 {
		headerIdx = namedKeyRow(rows)
	}

	if headerIdx >= 0 {
		header := rows[headerIdx]
		cells := make([]string, maxFields)
		copy(cells, header.Cells)
		columns := sanitizeHeaders(cells)
		raw := make([]string, maxFields)
		for i, cell := range cells {
			raw[i] = strings.TrimSpace(cell)
			if raw[i] == "" {
				raw[i] = columns[i]
			}
		}
		return Table{
			Columns:    columns,
			RawColumns: raw,
			HeaderLine: header.Number,
			Rows:       append([]RawRow(nil), rows[headerIdx+1:]...),
		}
	}

	names := make([]string, maxFields)
	for i := range names {
		names[i] = fmt.Sprintf("column%d", i+1)
	}
	return Table{
		Columns:    names,
		RawColumns: append([]string(nil), names...),
		Synthetic:  true,
		Rows:       append([]RawRow(nil), rows...),
	}
}

// namedKeyRow returns the index of the first row with a cell that is exactly a
// key column name, or -1. Substring hints are not enough here since data cells
// such as "mydomain.com" would match.
func namedKeyRow(rows []RawRow) int {
	for idx, row := range rows {
		for _, name := range sanitizeHeaders(row.Cells) {
			if slices.Contains(keyHints, name) {
				return idx
			}
		}
	}
	return -1
}

func readDelimited(payload []byte) ([]RawRow, error) {
	payload = bytes.TrimPrefix(payload, byteOrderMark)
	if !utf8.Valid(payload) {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode upload: %v", domain.ErrParse, err)
		}
		payload = decoded
	}

	reader := csv.NewReader(bytes.NewReader(payload))
	reader.Comma = sniffDelimiter(payload)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var rows []RawRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read csv: %v", domain.ErrParse, err)
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, RawRow{Number: line, Cells: record})
	}
	return rows, nil
}

func readExcel(payload []byte) ([]RawRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open xlsx: %v", domain.ErrParse, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: excel file has no sheets", domain.ErrParse)
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read rows from xlsx: %v", domain.ErrParse, err)
	}

	rows := make([]RawRow, 0, len(records))
	for idx, record := range records {
		rows = append(rows, RawRow{Number: idx + 1, Cells: record})
	}
	return rows, nil
}

// sniffDelimiter picks the candidate that splits the first lines most consistently.
// Comma wins ties and is the fallback for single-column files.
func sniffDelimiter(payload []byte) rune {
	lines := make([]string, 0, delimiterSampleLines)
	for _, line := range strings.Split(string(payload), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == delimiterSampleLines {
			break
		}
	}

	best := candidateDelimiters[0]
	bestScore := 0
	for _, delim := range candidateDelimiters {
		score := 0
		for _, line := range lines {
			if strings.ContainsRune(line, delim) {
				score++
			}
		}
		if score > bestScore {
			best = delim
			bestScore = score
		}
	}
	return best
}

func dropBlank(rows []RawRow) []RawRow {
	kept := make([]RawRow, 0, len(rows))
	for _, row := range rows {
		if len(cleanRow(row.Cells)) == 0 {
			continue
		}
		kept = append(kept, row)
	}
	return kept
}

// rowHasKeyHint reports whether a cell reads like a key column title. Cells that
// look like hosts or URLs are data, even when they contain a hint word.
func rowHasKeyHint(cells []string) bool {
	for _, cell := range cells {
		if strings.ContainsAny(cell, "./") {
			continue
		}
		if hasKeyHint(cell) {
			return true
		}
	}
	return false
}

func hasKeyHint(value string) bool {
	lower := strings.ToLower(value)
	for _, hint := range keyHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.ToLower(strings.TrimSpace(value))
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}
