package validation

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const missingCodesSheet = "missing_codes"

// ExportMissingCodes renders the outstanding missing-code issues as a
// workbook the operator can edit offline. The code column is left empty for
// filling; the edited list comes back through the bulk paste path.
func ExportMissingCodes(report *Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", missingCodesSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	header := []any{"file", "name", "row_index", "code"}
	if err := f.SetSheetRow(missingCodesSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, issue := range report.Issues.MissingCodes {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []any{issue.File, issue.Name, issue.RowIndex, ""}
		if err := f.SetSheetRow(missingCodesSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
