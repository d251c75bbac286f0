package validation

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestExportMissingCodes(t *testing.T) {
	report := &Report{
		Issues: Issues{
			MissingCodes: []MissingCode{
				{File: "611.csv", Name: "Eastside Depot", RowIndex: 3},
				{File: "601.csv", Name: "Harbor Lab", RowIndex: 18},
			},
		},
	}

	raw, err := ExportMissingCodes(report)
	if err != nil {
		t.Fatalf("ExportMissingCodes() err=%v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("OpenReader() err=%v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(missingCodesSheet)
	if err != nil {
		t.Fatalf("GetRows() err=%v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows)=%d, want header + 2 issues", len(rows))
	}
	if rows[0][0] != "file" || rows[0][3] != "code" {
		t.Fatalf("header=%v", rows[0])
	}
	if rows[1][1] != "Eastside Depot" || rows[2][1] != "Harbor Lab" {
		t.Fatalf("rows=%v, want issue names in order", rows)
	}
	if len(rows[1]) > 3 && rows[1][3] != "" {
		t.Fatalf("code column should start empty, got %q", rows[1][3])
	}
}
