package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/open-sspm/poam-import/internal/logging"
	"github.com/open-sspm/poam-import/internal/pipeline"
)

func main() {
	os.Exit(runMain(Execute, os.Stderr))
}

func runMain(execute func() error, stderr io.Writer) int {
	err := execute()
	if err == nil {
		return 0
	}
	f := classifyFailure(err)
	if !f.silent {
		reportFailure(f, stderr)
	}
	return f.code
}

// failure is a command error resolved to its exit code and report.
type failure struct {
	code    int
	message string
	err     error
	silent  bool
}

func classifyFailure(err error) failure {
	var ee *exitError
	if errors.As(err, &ee) {
		cause := err
		if ee.err != nil {
			cause = ee.err
		}
		return failure{code: ee.code, message: failureMessage(ee.code), err: cause, silent: ee.silent}
	}
	if errors.Is(err, context.Canceled) {
		return failure{code: exitCodeCanceled, message: failureMessage(exitCodeCanceled), err: err}
	}
	return failure{code: exitCodeFailure, message: failureMessage(exitCodeFailure), err: err}
}

func failureMessage(code int) string {
	switch code {
	case exitCodeUsage:
		return "invalid usage"
	case exitCodeBusy:
		return "scan is already being imported"
	case exitCodeCanceled:
		return "command canceled"
	default:
		return "command failed"
	}
}

func reportFailure(f failure, stderr io.Writer) {
	ctx := currentCommandExecutionContext()
	if ctx.UsesStructuredLog {
		fatalPathLogger(ctx, stderr).Error(f.message, failureAttrs(f)...)
		return
	}

	if f.code == exitCodeCanceled {
		fmt.Fprintln(stderr, "canceled")
		return
	}
	fmt.Fprintln(stderr, "error:", f.err)
	if pe := pipelineFailure(f.err); pe != nil && pe.RunID != "" {
		fmt.Fprintf(stderr, "run %s stopped during %s; inspect it with: poam-import runs show %s\n", pe.RunID, pe.Phase, pe.RunID)
	}
}

// failureAttrs places the aborted run and milestone next to the error so a failed import
// can be matched to its stored run record.
func failureAttrs(f failure) []any {
	attrs := []any{"exit_code", f.code, "error", f.err}
	pe := pipelineFailure(f.err)
	if pe == nil {
		return attrs
	}
	attrs = append(attrs, "phase", pe.Phase)
	if pe.RunID != "" {
		attrs = append(attrs, "run_id", pe.RunID)
	}
	if pe.Milestone.Valid() {
		attrs = append(attrs, "milestone", int(pe.Milestone), "milestone_name", pe.Milestone.Name())
	}
	return attrs
}

func pipelineFailure(err error) *pipeline.PipelineError {
	var pe *pipeline.PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// fatalPathLogger rebuilds the command logger; a broken logging env falls back to JSON
// so the failure is still reported.
func fatalPathLogger(ctx commandExecutionContext, stderr io.Writer) *slog.Logger {
	cfg, err := logging.LoadConfigFromEnv()
	if err != nil {
		cfg = logging.DefaultConfig()
	}
	return logging.NewLogger(cfg, stderr, ctx.CommandPath)
}
