package ingestion

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"dimhist/internal/domain"
)

func testClassifier(t *testing.T) *domain.Classifier {
	t.Helper()
	classifier, err := domain.NewClassifier("customer_id", []domain.AttributeSpec{
		{Name: "card_type", Type: domain.AttributeTypeString, Class: domain.ClassTracked},
		{Name: "credit_limit", Type: domain.AttributeTypeInteger, Class: domain.ClassTracked},
		{Name: "balance", Type: domain.AttributeTypeFloat, Class: domain.ClassOverwritten},
		{Name: "active", Type: domain.AttributeTypeBoolean, Class: domain.ClassOverwritten},
		{Name: "signup_at", Type: domain.AttributeTypeTimestamp, Class: domain.ClassOverwritten},
	})
	if err != nil {
		t.Fatalf("failed to build classifier: %v", err)
	}
	return classifier
}

func TestParseSnapshotCSV(t *testing.T) {
	service := NewService(testClassifier(t))

	data := "customer_id,card_type,credit_limit,balance,active,signup_at\n" +
		"C-1,gold,1200,10.5,yes,2024-01-15\n" +
		"C-2,silver,,0,false,2024-02-01 08:30:00\n"

	records, report, err := service.ParseSnapshot("customers.csv", strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if report.Rows != 2 || report.Parsed != 2 || report.IssueCount != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	first := records[0]
	if first.BusinessKey != "C-1" {
		t.Fatalf("expected business key C-1, got %q", first.BusinessKey)
	}
	if first.Attributes["card_type"] != "gold" {
		t.Fatalf("expected card_type gold, got %v", first.Attributes["card_type"])
	}
	if first.Attributes["credit_limit"] != int64(1200) {
		t.Fatalf("expected credit_limit 1200, got %v (%T)", first.Attributes["credit_limit"], first.Attributes["credit_limit"])
	}
	if first.Attributes["balance"] != 10.5 {
		t.Fatalf("expected balance 10.5, got %v", first.Attributes["balance"])
	}
	if first.Attributes["active"] != true {
		t.Fatalf("expected active true, got %v", first.Attributes["active"])
	}
	signup, ok := first.Attributes["signup_at"].(time.Time)
	if !ok || !signup.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected signup_at 2024-01-15T00:00:00Z, got %v", first.Attributes["signup_at"])
	}

	if records[1].Attributes["credit_limit"] != nil {
		t.Fatalf("expected empty cell to read as nil, got %v", records[1].Attributes["credit_limit"])
	}
}

func TestParseSnapshotNormalizesHeadersAndRows(t *testing.T) {
	service := NewService(testClassifier(t))

	// BOM prefix, a header with a space, and a short row that needs padding.
	data := "\xEF\xBB\xBFcustomer_id,card type,credit_limit\n" +
		"C-1,gold,1200\n" +
		"C-2,silver\n"

	records, report, err := service.ParseSnapshot("customers.csv", strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if report.Parsed != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if records[0].Attributes["card_type"] != "gold" {
		t.Fatalf("header with space was not normalized: %+v", records[0].Attributes)
	}
	if records[1].Attributes["credit_limit"] != nil {
		t.Fatalf("expected padded cell to read as nil, got %v", records[1].Attributes["credit_limit"])
	}
}

func TestParseSnapshotRejectsDuplicateKey(t *testing.T) {
	service := NewService(testClassifier(t))

	data := "customer_id,card_type\nC-1,gold\nC-1,silver\n"

	_, report, err := service.ParseSnapshot("customers.csv", strings.NewReader(data))
	if err == nil {
		t.Fatal("expected duplicate business key to fail the file")
	}
	if !domain.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 of 2 rows failed validation") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Issues) != 1 {
		t.Fatalf("expected one issue, got %+v", report.Issues)
	}
	issue := report.Issues[0]
	if issue.Row != 3 || !strings.Contains(issue.Message, "already appeared on row 2") {
		t.Fatalf("unexpected issue: %+v", issue)
	}
}

func TestParseSnapshotRejectsUnknownColumn(t *testing.T) {
	service := NewService(testClassifier(t))

	data := "customer_id,nickname\nC-1,goldie\n"

	_, _, err := service.ParseSnapshot("customers.csv", strings.NewReader(data))
	if err == nil || !strings.Contains(err.Error(), "neither the business key nor a classified attribute") {
		t.Fatalf("expected unknown column rejection, got %v", err)
	}
}

func TestParseSnapshotRequiresBusinessKeyColumn(t *testing.T) {
	service := NewService(testClassifier(t))

	data := "card_type,credit_limit\ngold,1200\n"

	_, _, err := service.ParseSnapshot("customers.csv", strings.NewReader(data))
	if err == nil || !strings.Contains(err.Error(), `business key column "customer_id" not found`) {
		t.Fatalf("expected missing key column rejection, got %v", err)
	}
}

func TestParseSnapshotRejectsBadCell(t *testing.T) {
	service := NewService(testClassifier(t))

	data := "customer_id,credit_limit\nC-1,not-a-number\n"

	_, report, err := service.ParseSnapshot("customers.csv", strings.NewReader(data))
	if err == nil {
		t.Fatal("expected bad cell to fail the file")
	}
	if len(report.Issues) != 1 || !strings.Contains(report.Issues[0].Message, "unable to coerce") {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestParseSnapshotXLSX(t *testing.T) {
	service := NewService(testClassifier(t))

	f := excelize.NewFile()
	sheet := f.GetSheetList()[0]
	rows := [][]any{
		{"customer_id", "card_type", "credit_limit"},
		{"C-1", "gold", 1200},
		{"C-2", "silver", 800},
	}
	for idx := range rows {
		cell, err := excelize.CoordinatesToCellName(1, idx+1)
		if err != nil {
			t.Fatalf("failed to build cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &rows[idx]); err != nil {
			t.Fatalf("failed to write row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("failed to serialize workbook: %v", err)
	}

	records, report, err := service.ParseSnapshot("customers.xlsx", buf)
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if report.Parsed != 2 || len(records) != 2 {
		t.Fatalf("expected 2 records, report %+v", report)
	}
	if records[1].BusinessKey != "C-2" || records[1].Attributes["credit_limit"] != int64(800) {
		t.Fatalf("unexpected record: %+v", records[1])
	}
}

func TestParseSnapshotUnsupportedFormat(t *testing.T) {
	service := NewService(testClassifier(t))

	_, _, err := service.ParseSnapshot("customers.txt", strings.NewReader("customer_id\nC-1\n"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestParseSnapshotEmptyFile(t *testing.T) {
	service := NewService(testClassifier(t))

	_, _, err := service.ParseSnapshot("customers.csv", strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "file is empty") {
		t.Fatalf("expected empty file rejection, got %v", err)
	}
}

func TestParseEvents(t *testing.T) {
	service := NewService(testClassifier(t))

	feed := `{"action":"insert","business_key":"C-1","at":"2024-03-01T10:00:00Z","attributes":{"card_type":"gold","credit_limit":1200,"signup_at":"2024-01-15T00:00:00Z"}}

{"action":"DELETE","business_key":"C-2","at":"2024-03-01T11:00:00Z"}
`

	events, report, err := service.ParseEvents(strings.NewReader(feed))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if report.Rows != 2 || report.Parsed != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	insert := events[0]
	if insert.Action != domain.EventInsert || insert.BusinessKey != "C-1" {
		t.Fatalf("unexpected event: %+v", insert)
	}
	signup, ok := insert.Attributes["signup_at"].(time.Time)
	if !ok || !signup.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected signup_at coerced to time.Time, got %v (%T)",
			insert.Attributes["signup_at"], insert.Attributes["signup_at"])
	}

	del := events[1]
	if del.Action != domain.EventDelete || del.Attributes != nil {
		t.Fatalf("expected bare delete event, got %+v", del)
	}
}

func TestParseEventsRejectsInvalidLines(t *testing.T) {
	service := NewService(testClassifier(t))

	feed := `{"action":"insert","business_key":"C-1","at":"2024-03-01T10:00:00Z","attributes":{"card_type":"gold"}}
not json
{"action":"upsert","business_key":"C-3","at":"2024-03-01T12:00:00Z"}
`

	_, report, err := service.ParseEvents(strings.NewReader(feed))
	if err == nil || !strings.Contains(err.Error(), "2 of 3 events failed validation") {
		t.Fatalf("expected feed rejection, got %v", err)
	}
	if len(report.Issues) != 2 {
		t.Fatalf("expected 2 issues, got %+v", report.Issues)
	}
	if report.Issues[0].Row != 2 || !strings.Contains(report.Issues[0].Message, "invalid json") {
		t.Fatalf("unexpected first issue: %+v", report.Issues[0])
	}
	if report.Issues[1].Row != 3 || !strings.Contains(report.Issues[1].Message, "unknown event action") {
		t.Fatalf("unexpected second issue: %+v", report.Issues[1])
	}
}

func TestParseEventsEmptyFeed(t *testing.T) {
	service := NewService(testClassifier(t))

	_, _, err := service.ParseEvents(strings.NewReader("\n\n"))
	if err == nil || !strings.Contains(err.Error(), "event feed is empty") {
		t.Fatalf("expected empty feed rejection, got %v", err)
	}
}
