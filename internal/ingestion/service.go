// Package ingestion parses source files into the records and events the
// engine consumes. Parsing is strict: every column must be the business key
// or a classified attribute, and a file with any invalid row is rejected as
// a whole, because a partial snapshot would silently read as deletions.
package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"dimhist/internal/domain"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05.000000000",
		"2006/01/02",
	}
)

// maxIssues bounds the per-row issue list in a report; past it only the
// count grows.
const maxIssues = 100

// RowIssue pins a validation failure to its source row or line.
type RowIssue struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Report summarizes one parsed file.
type Report struct {
	Rows        int        `json:"rows"`
	Parsed      int        `json:"parsed"`
	IssueCount  int        `json:"issue_count"`
	Issues      []RowIssue `json:"issues,omitempty"`
	IssuesTrunc bool       `json:"issues_truncated,omitempty"`
}

func (r *Report) addIssue(row int, message string) {
	r.IssueCount++
	if len(r.Issues) >= maxIssues {
		r.IssuesTrunc = true
		return
	}
	r.Issues = append(r.Issues, RowIssue{Row: row, Message: message})
}

// Service turns uploaded files into validated engine input.
type Service struct {
	classifier *domain.Classifier
}

// NewService creates a new ingestion service over the dimension's
// classifier.
func NewService(classifier *domain.Classifier) *Service {
	return &Service{classifier: classifier}
}

// ParseSnapshot reads a CSV or XLSX snapshot into source records. The format
// is chosen by file extension. Any invalid row fails the whole file.
func (s *Service) ParseSnapshot(fileName string, data io.Reader) ([]domain.SourceRecord, Report, error) {
	if data == nil {
		return nil, Report{}, domain.NewConfigurationError("data reader is required")
	}
	payload, err := io.ReadAll(data)
	if err != nil {
		return nil, Report{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return nil, Report{}, domain.NewConfigurationError("file is empty")
	}

	table, err := parseTable(fileName, payload)
	if err != nil {
		return nil, Report{}, err
	}
	return s.recordsFromTable(table)
}

// ParseEvents reads a JSONL change feed into change events, one JSON object
// per line. Any invalid line fails the whole feed.
func (s *Service) ParseEvents(data io.Reader) ([]domain.ChangeEvent, Report, error) {
	if data == nil {
		return nil, Report{}, domain.NewConfigurationError("data reader is required")
	}

	report := Report{}
	events := []domain.ChangeEvent{}

	scanner := bufio.NewScanner(data)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if line == 1 {
			raw = bytes.TrimPrefix(raw, byteOrderMark)
		}
		if len(raw) == 0 {
			continue
		}
		report.Rows++

		event, err := s.decodeEvent(raw)
		if err != nil {
			report.addIssue(line, err.Error())
			continue
		}
		events = append(events, event)
		report.Parsed++
	}
	if err := scanner.Err(); err != nil {
		return nil, report, fmt.Errorf("failed to read event feed: %w", err)
	}
	if report.Rows == 0 {
		return nil, report, domain.NewConfigurationError("event feed is empty")
	}
	if report.IssueCount > 0 {
		return nil, report, domain.NewConfigurationError("%d of %d events failed validation", report.IssueCount, report.Rows)
	}
	return events, report, nil
}

// wireEvent is the JSONL shape of one change event.
type wireEvent struct {
	Action      string          `json:"action"`
	BusinessKey string          `json:"business_key"`
	At          time.Time       `json:"at"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

func (s *Service) decodeEvent(raw []byte) (domain.ChangeEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("invalid json: %v", err)
	}

	action, err := domain.ParseEventAction(wire.Action)
	if err != nil {
		return domain.ChangeEvent{}, err
	}

	event := domain.ChangeEvent{
		Action:      action,
		BusinessKey: strings.TrimSpace(wire.BusinessKey),
		At:          wire.At,
	}

	if len(wire.Attributes) > 0 && action != domain.EventDelete {
		attrs, err := domain.UnmarshalAttributes(wire.Attributes)
		if err != nil {
			return domain.ChangeEvent{}, err
		}
		if event.Attributes, err = s.normalizeAttributes(attrs); err != nil {
			return domain.ChangeEvent{}, err
		}
	}

	if err := s.classifier.ValidateEvent(event); err != nil {
		return domain.ChangeEvent{}, err
	}
	return event, nil
}

// normalizeAttributes coerces timestamp-classified string values to
// time.Time so instants compare equal regardless of source formatting.
// Unknown attribute names surface later through classifier validation.
func (s *Service) normalizeAttributes(attrs map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(attrs))
	for name, value := range attrs {
		spec, ok := s.classifier.Spec(name)
		if ok && spec.Type == domain.AttributeTypeTimestamp {
			if str, isString := value.(string); isString {
				ts, err := parseTimestamp(str)
				if err != nil {
					return nil, domain.NewConfigurationError("attribute %q: %v", name, err)
				}
				normalized[name] = ts.UTC()
				continue
			}
		}
		normalized[name] = value
	}
	return normalized, nil
}

type tableData struct {
	headers []string
	rows    [][]string
}

func (s *Service) recordsFromTable(table tableData) ([]domain.SourceRecord, Report, error) {
	report := Report{Rows: len(table.rows)}

	keyColumn := -1
	specs := make([]*domain.AttributeSpec, len(table.headers))
	for idx, header := range table.headers {
		if header == s.classifier.BusinessKey() {
			if keyColumn >= 0 {
				return nil, report, domain.NewConfigurationError("business key column %q appears twice", header)
			}
			keyColumn = idx
			continue
		}
		spec, ok := s.classifier.Spec(header)
		if !ok {
			return nil, report, domain.NewConfigurationError("column %q is neither the business key nor a classified attribute", header)
		}
		specs[idx] = &spec
	}
	if keyColumn < 0 {
		return nil, report, domain.NewConfigurationError("business key column %q not found", s.classifier.BusinessKey())
	}

	records := make([]domain.SourceRecord, 0, len(table.rows))
	seen := make(map[string]int, len(table.rows))
	for rowIdx, row := range table.rows {
		rowNumber := rowIdx + 2 // 1-based, after the header row

		key := strings.TrimSpace(row[keyColumn])
		if key == "" {
			report.addIssue(rowNumber, "business key is empty")
			continue
		}
		if firstRow, dup := seen[key]; dup {
			report.addIssue(rowNumber, fmt.Sprintf("business key %q already appeared on row %d", key, firstRow))
			continue
		}
		seen[key] = rowNumber

		attrs := make(map[string]any, len(table.headers)-1)
		rowValid := true
		for colIdx, spec := range specs {
			if spec == nil {
				continue
			}
			raw := strings.TrimSpace(row[colIdx])
			if raw == "" {
				attrs[spec.Name] = nil
				continue
			}
			coerced, err := coerceValue(spec.Type, raw)
			if err != nil {
				report.addIssue(rowNumber, fmt.Sprintf("attribute %s: %v", spec.Name, err))
				rowValid = false
				break
			}
			attrs[spec.Name] = coerced
		}
		if !rowValid {
			continue
		}

		records = append(records, domain.NewSourceRecord(key, attrs))
		report.Parsed++
	}

	if report.IssueCount > 0 {
		return nil, report, domain.NewConfigurationError("%d of %d rows failed validation", report.IssueCount, report.Rows)
	}
	return records, report, nil
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

// normalizeTable takes the first non-empty row as the header, sanitizes the
// header names and pads every data row to the header width.
func normalizeTable(records [][]string) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	for _, row := range records {
		if len(cleanRow(row)) == 0 {
			continue
		}
		if headerRow == nil {
			headerRow = row
			continue
		}
		dataRows = append(dataRows, row)
	}
	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}
	dataRows = filterEmptyRows(dataRows)

	return tableData{headers: headers, rows: dataRows}, nil
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
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
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

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	for i := len(row); i < length; i++ {
		padded[i] = ""
	}
	return padded
}

func filterEmptyRows(rows [][]string) [][]string {
	var filtered [][]string
	for _, row := range rows {
		keep := false
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				keep = true
				break
			}
		}
		if keep {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

func coerceValue(attrType domain.AttributeType, raw string) (any, error) {
	switch attrType {
	case domain.AttributeTypeString:
		return raw, nil
	case domain.AttributeTypeInteger:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		// Allow float representations that convert losslessly.
		if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 {
			return int64(f), nil
		}
		return nil, fmt.Errorf("unable to coerce %q to integer", raw)
	case domain.AttributeTypeFloat:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, nil
		}
		return nil, fmt.Errorf("unable to coerce %q to float", raw)
	case domain.AttributeTypeBoolean:
		value := strings.ToLower(strings.TrimSpace(raw))
		switch value {
		case "1", "yes", "y":
			return true, nil
		case "0", "no", "n":
			return false, nil
		}
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
		}
		return boolVal, nil
	case domain.AttributeTypeTimestamp:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to timestamp: %w", raw, err)
		}
		return ts.UTC(), nil
	default:
		return raw, nil
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
