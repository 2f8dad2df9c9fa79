package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/cartsync/internal/scenario"
)

// SimulateOptions содержит флаги simulate.
type SimulateOptions struct {
	*RootOptions
	Files []string
}

// SimulateReport содержит итог прогона сценариев.
type SimulateReport struct {
	Scenarios []scenario.Result `json:"scenarios"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Total     int               `json:"total"`
}

// NewSimulateCommand создаёт команду simulate.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate -f <scenario.yaml> [-f <dir>]",
		Short: "Run cart scenarios against an in-memory collaborator",
		Long: `Run scripted selections, activations and sorts against a seeded
in-memory collaborator and check the expectations of every step.

Exit codes:
  0 - all scenarios passed
  1 - one or more scenarios failed
  2 - command error (file not found, invalid scenario)

Examples:
  cartctl simulate -f scenario.yaml
  cartctl simulate -f ./scenarios --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Files, "file", "f", nil, "scenario file or directory (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runSimulate(cmd *cobra.Command, opts *SimulateOptions) error {
	files, err := expandScenarioFiles(opts.Files)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, "no scenario files found")
	}

	scenarios := make([]*scenario.Scenario, 0, len(files))
	for _, file := range files {
		sc, err := scenario.Load(file)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load scenario", err)
		}
		scenarios = append(scenarios, sc)
	}

	runner := scenario.NewRunner(log.WithField("component", "simulate"), nil)
	report := SimulateReport{Scenarios: make([]scenario.Result, 0, len(scenarios))}
	for _, sc := range scenarios {
		result, err := runner.Run(cmd.Context(), sc)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("scenario %s", sc.Name), err)
		}
		report.Scenarios = append(report.Scenarios, result)
		report.Total++
		if result.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		printReport(out, report, opts.Verbose)
	}

	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", report.Failed, report.Total))
	}
	return nil
}

func printReport(w io.Writer, report SimulateReport, verbose bool) {
	for _, r := range report.Scenarios {
		if r.Pass {
			if verbose {
				fmt.Fprintf(w, "PASS %s (%d steps)\n", r.Name, r.Steps)
			} else {
				fmt.Fprintf(w, "PASS %s\n", r.Name)
			}
			continue
		}
		fmt.Fprintf(w, "FAIL %s\n", r.Name)
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", report.Passed, report.Failed, report.Total)
}

// expandScenarioFiles раскрывает каталоги в *.yaml и *.yml, сохраняя порядок аргументов.
func expandScenarioFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		var found []string
		for _, pattern := range []string{"*.yaml", "*.yml"} {
			matches, err := filepath.Glob(filepath.Join(p, pattern))
			if err != nil {
				return nil, err
			}
			found = append(found, matches...)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}
