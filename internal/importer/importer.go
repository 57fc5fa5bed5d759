// Package importer reads the CRM opportunity export and the production line
// plan, both as Excel workbooks or CSV files, and turns them into a
// model.Scenario. Column headers are matched case-insensitively against
// German and English aliases.
package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/piwi3910/CablePlan/internal/model"
)

// ErrImport is returned by LoadScenario when a file yields no projects.
var ErrImport = errors.New("import failed")

// ImportResult holds the results of an import operation. Errors and
// warnings are reported per row; rows with errors are skipped. Err is set
// when a row aborts the whole import, such as an opportunity in an unknown
// sales phase; Projects is then empty.
type ImportResult struct {
	Projects []*model.Project
	Errors   []string
	Warnings []string
	Err      error
}

// ColumnMapping maps column roles to their indices in the data. A missing
// role maps to -1.
type ColumnMapping map[string]int

// Index returns the column of role, or -1.
func (m ColumnMapping) Index(role string) int {
	if i, ok := m[role]; ok {
		return i
	}
	return -1
}

// opportunityAliases maps opportunity column roles to their accepted header
// aliases (all lowercase).
var opportunityAliases = map[string][]string{
	"nr":          {"nr.", "nr", "number", "opportunity nr"},
	"description": {"verkaufschance bezeichnung", "description", "opportunity"},
	"probability": {"wahrscheinlichkeit (%)", "probability (%)", "probability"},
	"phase":       {"verkaufsphase", "sales phase", "phase"},
	"delivery":    {"liefertermin ist", "delivery date", "delivery"},
	"length":      {"menge (m)", "length (m)", "quantity (m)"},
	"voltage":     {"spannungsebene kv", "voltage kv", "voltage (kv)"},
	"area":        {"querschnitt mm²", "querschnitt mm?", "cross section mm²", "cross section (mm²)"},
	"length2":     {"menge (m) (2)", "length (m) (2)", "quantity (m) (2)"},
	"voltage2":    {"spannungsebene kv (2)", "voltage kv (2)", "voltage (kv) (2)"},
	"area2":       {"querschnitt mm² (2)", "querschnitt mm? (2)", "cross section mm² (2)", "cross section (mm²) (2)"},
	"revenue":     {"jährlicher betrag standartwährung", "annual amount", "revenue"},
	"margin":      {"profit margin (db1) in chf", "profit margin", "margin"},
}

// lineAliases maps production line plan column roles to their aliases.
var lineAliases = map[string][]string{
	"nr":          {"auftrag", "order", "order nr"},
	"description": {"bezeichnung", "description"},
	"date":        {"datum", "date", "delivery date"},
	"line":        {"linie", "line"},
	"hours":       {"zeit", "hours", "work hours"},
	"remarks":     {"remarks", "bemerkungen"},
	"revenue":     {"revenue (chf)", "revenue"},
	"margin":      {"margin (%)", "margin"},
}

var (
	opportunityRequired = []string{"nr", "phase", "delivery", "length", "voltage", "area", "revenue", "margin"}
	lineRequired        = []string{"nr", "date", "line", "hours"}
)

// internalRemarks mark line plan orders that are produced for stock or
// internal use.
var internalRemarks = map[string]bool{
	"Medium Voltage":           true,
	"Medium Voltage for stock": true,
	"internal project":         true,
}

// DetectCSVDelimiter reads the file content and determines the most likely CSV delimiter.
// It tries comma, semicolon, tab, and pipe. The delimiter that produces the most
// consistent (non-one) column count across lines wins.
func DetectCSVDelimiter(data []byte) rune {
	candidates := []rune{',', ';', '\t', '|'}
	bestDelimiter := ','
	bestScore := 0

	for _, delim := range candidates {
		reader := csv.NewReader(bytes.NewReader(data))
		reader.Comma = delim
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1

		records, err := reader.ReadAll()
		if err != nil || len(records) < 1 {
			continue
		}

		firstCols := len(records[0])
		if firstCols < 2 {
			continue
		}

		score := 0
		for _, row := range records {
			if len(row) == firstCols {
				score++
			}
		}

		// Prefer delimiters with higher consistency and more columns
		weighted := score*10 + firstCols
		if weighted > bestScore {
			bestScore = weighted
			bestDelimiter = delim
		}
	}

	return bestDelimiter
}

// DetectColumns examines a header row and maps every role in aliases to the
// first matching column.
func DetectColumns(row []string, aliases map[string][]string) ColumnMapping {
	mapping := ColumnMapping{}
	for i, cell := range row {
		normalized := strings.ToLower(strings.TrimSpace(cell))
		for role, names := range aliases {
			if _, seen := mapping[role]; seen {
				continue
			}
			for _, alias := range names {
				if normalized == alias {
					mapping[role] = i
					break
				}
			}
		}
	}
	return mapping
}

func missingColumns(mapping ColumnMapping, required []string) []string {
	var missing []string
	for _, role := range required {
		if mapping.Index(role) < 0 {
			missing = append(missing, role)
		}
	}
	return missing
}

// getCell safely retrieves a cell value from a row by column index.
// Returns empty string if the index is out of range or negative.
func getCell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// isEmptyRow returns true if the row has no meaningful content.
func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

var dateLayouts = []string{
	"02.01.2006",
	"2.1.2006",
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01-02-06",
	"1/2/2006",
	"1/2/2006 15:04:05",
	"1/2/06",
	"1/2/06 15:04",
}

// ParseDate accepts the date formats found in the exports. A bare number is
// read as an Excel serial date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 {
		return excelize.ExcelDateToTime(serial, false)
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ParseAmount parses a money or percentage value. Currency labels, percent
// signs and thousands separators (' and ,) are ignored. Empty cells and
// "NA" yield ok == false.
func ParseAmount(s string) (v float64, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NA") {
		return 0, false, nil
	}
	clean := strings.NewReplacer("CHF", "", "%", "", "'", "", ",", "", " ", "", "\u00a0", "").Replace(s)
	v, err = strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid amount %q", s)
	}
	return v, true, nil
}

func parseNumber(s string) (float64, error) {
	v, ok, err := ParseAmount(s)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("missing value")
	}
	return v, nil
}

// parseOpportunityRow extracts an opportunity from a row. Rows without a
// cross section, revenue or delivery date are skipped with a warning.
// Returns the project, any error message, any warning message and an error
// that aborts the import.
func parseOpportunityRow(row []string, m ColumnMapping, rowLabel string) (*model.Project, string, string, error) {
	for _, role := range []string{"area", "revenue", "delivery"} {
		if getCell(row, m.Index(role)) == "" {
			return nil, "", fmt.Sprintf("%s: No %s, skipping", rowLabel, role), nil
		}
	}

	nr, err := strconv.Atoi(getCell(row, m.Index("nr")))
	if err != nil {
		return nil, fmt.Sprintf("%s: Invalid number '%s'", rowLabel, getCell(row, m.Index("nr"))), "", nil
	}
	delivery, err := ParseDate(getCell(row, m.Index("delivery")))
	if err != nil {
		return nil, fmt.Sprintf("%s: %v", rowLabel, err), "", nil
	}

	batches, errMsg := cableBatches(row, m, rowLabel, "length", "voltage", "area")
	if errMsg != "" {
		return nil, errMsg, "", nil
	}
	if getCell(row, m.Index("length2")) != "" {
		second, errMsg := cableBatches(row, m, rowLabel, "length2", "voltage2", "area2")
		if errMsg != "" {
			return nil, errMsg, "", nil
		}
		batches = append(batches, second...)
	}

	revenue, err := parseNumber(getCell(row, m.Index("revenue")))
	if err != nil {
		return nil, fmt.Sprintf("%s: Revenue: %v", rowLabel, err), "", nil
	}
	margin, err := parseNumber(getCell(row, m.Index("margin")))
	if err != nil {
		return nil, fmt.Sprintf("%s: Margin: %v", rowLabel, err), "", nil
	}

	var warning string
	probability, ok, err := ParseAmount(getCell(row, m.Index("probability")))
	if err != nil || !ok {
		probability = 0
		warning = fmt.Sprintf("%s: No probability, using the sales phase", rowLabel)
	} else {
		probability /= 100
	}

	p, err := model.NewOpportunity(nr, getCell(row, m.Index("description")), delivery, batches, revenue, margin, probability, getCell(row, m.Index("phase")))
	switch {
	case errors.Is(err, model.ErrUnknownPhase):
		return nil, "", "", err
	case err != nil:
		return nil, fmt.Sprintf("%s: %v", rowLabel, err), "", nil
	}
	return p, "", warning, nil
}

func cableBatches(row []string, m ColumnMapping, rowLabel, lengthRole, voltageRole, areaRole string) ([]model.Batch, string) {
	var vals [3]float64
	for i, role := range []string{lengthRole, voltageRole, areaRole} {
		v, err := parseNumber(getCell(row, m.Index(role)))
		if err != nil {
			return nil, fmt.Sprintf("%s: %s: %v", rowLabel, role, err)
		}
		vals[i] = v
	}
	return model.CalculateCableBatches(vals[0], vals[1], vals[2]), ""
}

// parseLineRow extracts a fixed project from a line plan row.
func parseLineRow(row []string, m ColumnMapping, rowLabel string, params model.ProductionParameters) (*model.Project, string, string) {
	nr, err := strconv.Atoi(getCell(row, m.Index("nr")))
	if err != nil {
		return nil, fmt.Sprintf("%s: Invalid order '%s'", rowLabel, getCell(row, m.Index("nr"))), ""
	}
	delivery, err := ParseDate(getCell(row, m.Index("date")))
	if err != nil {
		return nil, fmt.Sprintf("%s: %v", rowLabel, err), ""
	}

	lineStr := getCell(row, m.Index("line"))
	line, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(lineStr, "Linie"), "Line")))
	if err != nil {
		return nil, fmt.Sprintf("%s: Invalid line '%s'", rowLabel, lineStr), ""
	}
	compat := model.CompatLine2Only
	if line == 1 {
		compat = model.CompatLine1Only
	}

	hours, err := parseNumber(getCell(row, m.Index("hours")))
	if err != nil {
		return nil, fmt.Sprintf("%s: Hours: %v", rowLabel, err), ""
	}

	var warning string
	revenue, ok, err := ParseAmount(getCell(row, m.Index("revenue")))
	if err != nil {
		return nil, fmt.Sprintf("%s: Revenue: %v", rowLabel, err), ""
	}
	if !ok {
		warning = fmt.Sprintf("%s: No revenue, treated as internal priority", rowLabel)
	}
	pct, _, err := ParseAmount(getCell(row, m.Index("margin")))
	if err != nil {
		return nil, fmt.Sprintf("%s: Margin: %v", rowLabel, err), ""
	}

	batches := model.CalculateBatchesSized(hours, compat, params.BatchSizeFor(nr))
	internal := internalRemarks[getCell(row, m.Index("remarks"))]
	p := model.NewFixedProject(nr, getCell(row, m.Index("description")), delivery, batches, revenue, pct*revenue/100, internal)
	return p, "", warning
}

type rowParser func(row []string, m ColumnMapping, rowLabel string) (*model.Project, string, string, error)

// importFromRows is the shared import logic for both workbooks. The first
// row must be the header.
func importFromRows(rows [][]string, rowPrefix string, aliases map[string][]string, required []string, parse rowParser) ImportResult {
	result := ImportResult{}

	if len(rows) == 0 {
		result.Errors = append(result.Errors, "No data rows found")
		return result
	}

	mapping := DetectColumns(rows[0], aliases)
	if missing := missingColumns(mapping, required); len(missing) > 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("Required columns not found in header: %s", strings.Join(missing, ", ")))
		return result
	}

	for i := 1; i < len(rows); i++ {
		row := rows[i]
		if isEmptyRow(row) {
			continue
		}

		rowLabel := fmt.Sprintf("%s %d", rowPrefix, i+1)
		p, errMsg, warning, err := parse(row, mapping, rowLabel)
		if err != nil {
			return ImportResult{Errors: result.Errors, Warnings: result.Warnings, Err: fmt.Errorf("%s: %w", rowLabel, err)}
		}
		if errMsg != "" {
			result.Errors = append(result.Errors, errMsg)
			continue
		}
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
		if p != nil {
			result.Projects = append(result.Projects, p)
		}
	}

	return result
}

// ImportOpportunityRows parses the rows of an opportunity export.
func ImportOpportunityRows(rows [][]string) ImportResult {
	return importFromRows(rows, "Row", opportunityAliases, opportunityRequired, parseOpportunityRow)
}

// ImportLineRows parses the rows of a line plan. Work hours are split into
// batches of the project's batch size.
func ImportLineRows(rows [][]string, params model.ProductionParameters) ImportResult {
	return importFromRows(rows, "Row", lineAliases, lineRequired, func(row []string, m ColumnMapping, rowLabel string) (*model.Project, string, string, error) {
		p, errMsg, warning := parseLineRow(row, m, rowLabel, params)
		return p, errMsg, warning, nil
	})
}

// ImportOpportunities imports opportunities from the first sheet of an
// Excel workbook or from a CSV file.
func ImportOpportunities(path string) ImportResult {
	rows, err := readRows(path)
	if err != nil {
		return ImportResult{Errors: []string{err.Error()}}
	}
	return ImportOpportunityRows(rows)
}

// ImportLines imports fixed projects from a line plan.
func ImportLines(path string, params model.ProductionParameters) ImportResult {
	rows, err := readRows(path)
	if err != nil {
		return ImportResult{Errors: []string{err.Error()}}
	}
	return ImportLineRows(rows, params)
}

// readRows returns the rows of a CSV file, detecting its delimiter, or of
// the first sheet of an Excel workbook.
func readRows(path string) ([][]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Cannot open file: %v", err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, fmt.Errorf("File is empty")
		}
		reader := csv.NewReader(bytes.NewReader(data))
		reader.Comma = DetectCSVDelimiter(data)
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1
		records, err := reader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("Cannot read CSV: %v", err)
		}
		return records, nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("Cannot open Excel file: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("Excel file has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("Cannot read Excel data: %v", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("Sheet is empty")
	}
	return rows, nil
}

// InWindow reports whether p is relevant for a planning window: its batches,
// a production week each plus a three week gap after delivery, must not end
// before from, and it must be delivered by to. A zero from or to leaves that
// side open.
func InWindow(p *model.Project, from, to time.Time) bool {
	end := p.DeliveryDate.AddDate(0, 0, 7*len(p.Batches)+21)
	if !from.IsZero() && end.Before(from) {
		return false
	}
	return to.IsZero() || !p.DeliveryDate.After(to)
}

// LoadScenario imports both files, keeps the projects in the window
// [from, to] and builds the scenario. Opportunities are read first; a line
// plan order reusing an opportunity number is skipped with a warning. An
// opportunity in an unknown sales phase fails the load with an error
// wrapping model.ErrUnknownPhase.
func LoadScenario(opportunitiesPath, linesPath string, from, to time.Time, params model.ProductionParameters) (*model.Scenario, ImportResult, error) {
	combined := ImportResult{}
	seen := make(map[int]bool)

	load := func(path string, res ImportResult) error {
		combined.Errors = append(combined.Errors, prefixed(path, res.Errors)...)
		combined.Warnings = append(combined.Warnings, prefixed(path, res.Warnings)...)
		if res.Err != nil {
			return fmt.Errorf("%w: %s: %w", ErrImport, filepath.Base(path), res.Err)
		}
		if len(res.Projects) == 0 && len(res.Errors) > 0 {
			return fmt.Errorf("%w: %s: %s", ErrImport, path, strings.Join(res.Errors, "; "))
		}
		for _, p := range res.Projects {
			if !InWindow(p, from, to) {
				continue
			}
			if seen[p.Nr] {
				combined.Warnings = append(combined.Warnings, fmt.Sprintf("%s: duplicate project nr %d, skipping", path, p.Nr))
				continue
			}
			seen[p.Nr] = true
			combined.Projects = append(combined.Projects, p)
		}
		return nil
	}

	if err := load(opportunitiesPath, ImportOpportunities(opportunitiesPath)); err != nil {
		return nil, combined, err
	}
	if err := load(linesPath, ImportLines(linesPath, params)); err != nil {
		return nil, combined, err
	}

	s, err := model.NewScenario(combined.Projects)
	if err != nil {
		return nil, combined, err
	}
	return s, combined, nil
}

func prefixed(path string, msgs []string) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = filepath.Base(path) + ": " + m
	}
	return out
}
