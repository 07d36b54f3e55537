package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trialmatch/trialmatch/internal/core/logging"
	"github.com/trialmatch/trialmatch/internal/export"
	"github.com/trialmatch/trialmatch/internal/orchestrator"
	"github.com/trialmatch/trialmatch/internal/types"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match a trial file against a patients file without contacting any service",
	Example: `  trialmatch match --trial NCT01.json --patients patients.json
  trialmatch match --trial NCT01.json --patients patients.json --min-match 50 --output ranked.xlsx`,
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)
	matchCmd.Flags().String("trial", "", "rule set JSON file (required)")
	matchCmd.Flags().String("patients", "", "patient records JSON array file (required)")
	matchCmd.Flags().String("output", "", "output file; .xlsx writes a workbook, anything else JSON (default stdout)")
	matchCmd.Flags().Float64("min-match", 0, "minimum match percentage")
	matchCmd.Flags().Int("limit", 0, "maximum results (0 = all)")
	matchCmd.Flags().String("sort-by", string(orchestrator.SortByMatchPercentage), "match_percentage or patient_id")
	matchCmd.Flags().String("order", string(orchestrator.Descending), "descending or ascending")
	matchCmd.MarkFlagRequired("trial")
	matchCmd.MarkFlagRequired("patients")
}

func runMatch(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	trialPath, _ := flags.GetString("trial")
	patientsPath, _ := flags.GetString("patients")
	output, _ := flags.GetString("output")
	sortBy, _ := flags.GetString("sort-by")
	order, _ := flags.GetString("order")

	var opts orchestrator.Options
	opts.SortBy = orchestrator.SortField(sortBy)
	opts.Order = orchestrator.SortOrder(order)
	opts.MinMatch, _ = flags.GetFloat64("min-match")
	opts.Limit, _ = flags.GetInt("limit")

	logger, err := logging.New(logLevel, logFormat, "trialmatch")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	res, err := matchFiles(orchestrator.New(nil, nil, nil, orchestrator.Config{}, logger), trialPath, patientsPath, opts)
	if err != nil {
		return err
	}

	if output == "" {
		return writeResult(cmd.OutOrStdout(), "", res)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	if err := writeResult(f, output, res); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// matchFiles scores the records in patientsPath against the rule set in trialPath.
func matchFiles(o *orchestrator.Orchestrator, trialPath, patientsPath string, opts orchestrator.Options) (*orchestrator.Result, error) {
	var rs types.RuleSet
	if err := readJSON(trialPath, &rs); err != nil {
		return nil, err
	}
	if rs.TrialID == "" {
		rs.TrialID = strings.TrimSuffix(filepath.Base(trialPath), filepath.Ext(trialPath))
	}

	var records []*types.PatientRecord
	if err := readJSON(patientsPath, &records); err != nil {
		return nil, err
	}
	return o.MatchInline(&rs, records, opts)
}

func readJSON(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// writeResult writes an xlsx workbook when name ends in .xlsx, indented JSON otherwise.
func writeResult(w io.Writer, name string, res *orchestrator.Result) error {
	if strings.EqualFold(filepath.Ext(name), ".xlsx") {
		return export.WriteXLSX(w, res)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
