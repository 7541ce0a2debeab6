package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/hcsagent/internal/harness"
)

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run YAML agent scenarios",
	}
	cmd.AddCommand(newScenarioRunCommand(rootOpts))
	return cmd
}

type scenarioReport struct {
	Name   string               `json:"name"`
	File   string               `json:"file"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

func newScenarioRunCommand(opts *RootOptions) *cobra.Command {
	var withTrace bool
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Run scenarios against an in-memory agent",
		Long: `Run each scenario file against a fresh in-memory transport and store,
checking per-message terminal states and the final assertions.

Example:
  hcsagent scenario run ./scenarios/*.yaml
  hcsagent scenario run ./connect.yaml --trace --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			reports := make([]scenarioReport, 0, len(args))
			failed := 0

			for _, path := range args {
				scenario, err := harness.LoadScenario(path)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load scenario "+path, err)
				}
				f.VerboseLog("running %s (%s)", scenario.Name, path)

				result, err := harness.Run(commandContext(cmd), scenario)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to run scenario "+scenario.Name, err)
				}
				report := scenarioReport{Name: scenario.Name, File: path, Pass: result.Pass, Errors: result.Errors}
				if withTrace {
					report.Trace = result.Trace
				}
				if !result.Pass {
					failed++
				}
				reports = append(reports, report)
			}

			if f.Format == "json" {
				if err := f.Success(reports); err != nil {
					return err
				}
			} else {
				printScenarioReports(f, reports)
			}
			if failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", failed, len(reports)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withTrace, "trace", false, "include the message trace in the output")
	return cmd
}

func printScenarioReports(f *OutputFormatter, reports []scenarioReport) {
	for _, r := range reports {
		status := "PASS"
		if !r.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(f.Writer, "%s  %s\n", status, r.Name)
		for _, e := range r.Errors {
			fmt.Fprintf(f.Writer, "      %s\n", e)
		}
		for _, e := range r.Trace {
			fmt.Fprintf(f.Writer, "      %s %s#%d %s%s%s %s\n", e.Type, e.Topic, e.Seq, e.State, e.Label, e.Kind, e.Reason)
		}
	}
}
