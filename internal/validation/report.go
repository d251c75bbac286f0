// Package validation holds the contract between the console and the
// pipeline's validation step: the pending-report document the pipeline
// writes next to the uploaded data, and the resolution document the
// console writes back for the pipeline to apply.
package validation

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// Report statuses.
const (
	StatusPendingUserAction = "pending_user_action"
	StatusResolved          = "resolved"
)

// IdentifierLength is the fixed length of the unit identifier codes the
// pipeline validates. Generated and hand-entered repair codes must match it.
const IdentifierLength = 18

const (
	reportFileName     = "validation_report_pending.json"
	resolutionFileName = "validation_resolutions.json"
)

//go:embed report_schema.yaml
var reportSchemaYAML []byte

var (
	schemaOnce   sync.Once
	reportSchema *openapi3.Schema
	schemaErr    error
)

// Report is the pending-validation document the pipeline leaves at the
// dataset prefix when it needs operator decisions before continuing.
type Report struct {
	Timestamp          string         `json:"timestamp"`
	Prefix             string         `json:"prefix"`
	FlowRunID          string         `json:"flow_run_id,omitempty"`
	Status             string         `json:"status"`
	Issues             Issues         `json:"issues"`
	AuthorityTableSize int            `json:"authority_table_size,omitempty"`
	Summary            Summary        `json:"summary"`
	Instructions       map[string]any `json:"instructions,omitempty"`
}

type Issues struct {
	TruncatedCodes []TruncatedCode `json:"truncated_codes"`
	OneToManyCode  []OneToManyCode `json:"one_to_many_code"`
	OneToManyName  []OneToManyName `json:"one_to_many_name"`
	MissingCodes   []MissingCode   `json:"missing_codes"`
}

// TruncatedCode is an identifier the source spreadsheet damaged, usually by
// rewriting the cell into scientific notation.
type TruncatedCode struct {
	File     string `json:"file"`
	Code     string `json:"code"`
	Length   Length `json:"length"`
	Name     string `json:"name"`
	RowIndex int    `json:"row_index"`
	Pattern  string `json:"pattern,omitempty"`
	Note     string `json:"note,omitempty"`
}

// OneToManyCode is one code mapped to multiple names across files.
type OneToManyCode struct {
	Code         string `json:"code"`
	ExistingName string `json:"existing_name"`
	NewName      string `json:"new_name"`
	File         string `json:"file"`
}

// OneToManyName is one name mapped to multiple codes across files.
type OneToManyName struct {
	Name         string `json:"name"`
	ExistingCode string `json:"existing_code"`
	NewCode      string `json:"new_code"`
	File         string `json:"file"`
}

// MissingCode is a unit with no identifier at all.
type MissingCode struct {
	File     string `json:"file"`
	Name     string `json:"name"`
	RowIndex int    `json:"row_index"`
}

type Summary struct {
	TruncatedCodesCount int `json:"truncated_codes_count"`
	OneToManyCodeCount  int `json:"one_to_many_code_count"`
	OneToManyNameCount  int `json:"one_to_many_name_count"`
	MissingCodesCount   int `json:"missing_codes_count"`
}

// Length is a truncated-code length as the pipeline recorded it: a character
// count, or the literal "scientific_notation" marker when the spreadsheet
// rewrote the cell beyond counting.
type Length struct {
	Count  int
	Marker string
}

func (l *Length) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var marker string
		if err := json.Unmarshal(data, &marker); err != nil {
			return err
		}
		l.Marker = marker
		l.Count = 0
		return nil
	}
	var count int
	if err := json.Unmarshal(data, &count); err != nil {
		return fmt.Errorf("length must be an integer or a marker string: %w", err)
	}
	l.Count = count
	l.Marker = ""
	return nil
}

func (l Length) MarshalJSON() ([]byte, error) {
	if l.Marker != "" {
		return json.Marshal(l.Marker)
	}
	return json.Marshal(l.Count)
}

func (l Length) String() string {
	if l.Marker != "" {
		return l.Marker
	}
	return strconv.Itoa(l.Count)
}

// Pending reports whether the document still waits on operator decisions.
func (r *Report) Pending() bool {
	return r.Status == StatusPendingUserAction
}

func (r *Report) TotalIssues() int {
	return len(r.Issues.TruncatedCodes) +
		len(r.Issues.OneToManyCode) +
		len(r.Issues.OneToManyName) +
		len(r.Issues.MissingCodes)
}

// ParseReport decodes and validates a report document. The embedded schema
// guards the contract: a pipeline change that reshapes the report surfaces
// here as a validation error instead of silently decoding to zero values.
func ParseReport(raw []byte) (*Report, error) {
	schema, err := compiledReportSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if err := schema.VisitJSON(doc); err != nil {
		return nil, fmt.Errorf("report does not match contract: %w", err)
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

// compiledReportSchema compiles the embedded schema once. Embedding keeps the
// contract inside the binary, so parsing works regardless of working
// directory or deployment layout.
func compiledReportSchema() (*openapi3.Schema, error) {
	schemaOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromData(reportSchemaYAML)
		if err != nil {
			schemaErr = fmt.Errorf("load report schema: %w", err)
			return
		}
		if err := doc.Validate(context.Background()); err != nil {
			schemaErr = fmt.Errorf("validate report schema: %w", err)
			return
		}
		if doc.Components == nil {
			schemaErr = errors.New("report schema has no components")
			return
		}
		ref, ok := doc.Components.Schemas["ValidationReport"]
		if !ok || ref.Value == nil {
			schemaErr = errors.New("report schema missing ValidationReport component")
			return
		}
		reportSchema = ref.Value
	})
	return reportSchema, schemaErr
}

// ReportKey is the object key of the pending report for a dataset prefix.
// The report is keyed by prefix, not run id: it describes the uploaded data
// artifact, whichever run produced it.
func ReportKey(prefix string) string {
	return normalizePrefix(prefix) + reportFileName
}

// ResolutionKey is the object key the pipeline watches for operator fixes.
func ResolutionKey(prefix string) string {
	return normalizePrefix(prefix) + resolutionFileName
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}
