// Package export writes match results to spreadsheet files.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/trialmatch/trialmatch/internal/orchestrator"
	"github.com/trialmatch/trialmatch/internal/types"
)

// Sheet names in the generated workbook.
const (
	SheetSummary = "Summary"
	SheetRanked  = "Ranked"
	SheetTrace   = "Trace"
)

var (
	rankedHeader = []any{"Rank", "Patient ID", "Match %", "Matched Weight", "Total Weight"}
	traceHeader  = []any{"Patient ID", "Rule ID", "Kind", "Category", "Field", "Operator", "Expected", "Observed", "Satisfied"}
)

// WriteXLSX writes res as a workbook with a summary sheet, one row per
// ranked patient, and one row per rule outcome.
func WriteXLSX(w io.Writer, res *orchestrator.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("failed to rename default sheet: %w", err)
	}
	if err := writeSummary(f, res); err != nil {
		return err
	}

	rankedRows := make([][]any, 0, len(res.RankedResults))
	var traceRows [][]any
	for _, r := range res.RankedResults {
		rankedRows = append(rankedRows, []any{r.Rank, r.PatientID, r.MatchPercentage, r.MatchedWeight, r.TotalWeight})
		for _, rr := range r.PerRuleResults {
			traceRows = append(traceRows, traceRow(r.PatientID, rr))
		}
	}

	if err := writeTable(f, SheetRanked, rankedHeader, rankedRows, headerStyle); err != nil {
		return err
	}
	if err := writeTable(f, SheetTrace, traceHeader, traceRows, headerStyle); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, res *orchestrator.Result) error {
	generated := types.MatchIDTime(res.MatchID)
	if generated.IsZero() {
		generated = time.Now()
	}
	rows := [][]any{
		{"Match ID", string(res.MatchID)},
		{"Trial ID", res.TrialID},
		{"Generated", generated.UTC().Format(time.RFC3339)},
		{"Total Searched", res.TotalSearched},
		{"Matched", res.MatchedCount},
		{"Returned", res.ResultsReturned},
		{"Sort", fmt.Sprintf("%s %s", res.FilterApplied.SortBy, res.FilterApplied.Order)},
		{"Min Match %", res.FilterApplied.MinMatch},
		{"Limit", res.FilterApplied.Limit},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
	}
	return f.SetColWidth(SheetSummary, "A", "B", 20)
}

func writeTable(f *excelize.File, sheet string, header []any, rows [][]any, headerStyle int) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write %s header: %w", sheet, err)
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to style %s header: %w", sheet, err)
	}

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}

func traceRow(patientID string, rr types.RuleResult) []any {
	kind := "exclusion"
	if rr.IsInclusion {
		kind = "inclusion"
	}
	return []any{
		patientID, rr.RuleID, kind, string(rr.Category), rr.Field, rr.Operator,
		cellText(rr.ExpectedValue), cellText(rr.ObservedValue), rr.Satisfied,
	}
}

// cellText renders operands and observed values as compact JSON.
func cellText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
