package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/open-sspm/poam-import/internal/config"
	"github.com/open-sspm/poam-import/internal/findingsfile"
	"github.com/open-sspm/poam-import/internal/grouping"
	"github.com/open-sspm/poam-import/internal/metrics"
	"github.com/open-sspm/poam-import/internal/pipeline"
	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/policy"
	"github.com/open-sspm/poam-import/internal/progress"
	"github.com/open-sspm/poam-import/internal/triage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const progressEventBuffer = 64

type importOptions struct {
	File       string
	ScanID     string
	Source     string
	ScanType   string
	PolicyFile string
	JSON       bool
	NoProgress bool
}

var importOpts importOptions

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a findings file and create POA&M items for findings past the eligibility window.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(importOpts.File) == "" {
			return usageError("--file is required")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := importOutput{
			stdout:      cmd.OutOrStdout(),
			stderr:      cmd.ErrOrStderr(),
			interactive: !importOpts.NoProgress && isTerminal(cmd.ErrOrStderr()),
		}
		return importExitError(runImport(ctx, cfg, importOpts, out, slog.Default()))
	},
}

func init() {
	f := importCmd.Flags()
	f.StringVarP(&importOpts.File, "file", "f", "", "Findings file (.json, .yaml or .yml)")
	f.StringVar(&importOpts.ScanID, "scan-id", "", "Scan identifier; derived from the file name when empty")
	f.StringVar(&importOpts.Source, "source", "", "Scanner that produced the file")
	f.StringVar(&importOpts.ScanType, "scan-type", "", "Kind of scan, e.g. credentialed")
	f.StringVar(&importOpts.PolicyFile, "policy", "", "Policy YAML file (overrides POAM_POLICY_FILE)")
	f.BoolVar(&importOpts.JSON, "json", false, "Print the import result as JSON")
	f.BoolVar(&importOpts.NoProgress, "no-progress", false, "Do not draw a progress bar on the terminal")
}

type importOutput struct {
	stdout      io.Writer
	stderr      io.Writer
	interactive bool
}

func runImport(ctx context.Context, cfg config.Config, opts importOptions, out importOutput, logger *slog.Logger) error {
	file, err := findingsfile.Load(opts.File)
	if err != nil {
		return usageError("%w", err)
	}
	meta := scanMetadata(file.Metadata, opts)

	pol, err := policy.Load(firstNonEmpty(opts.PolicyFile, cfg.PolicyFile))
	if err != nil {
		return err
	}
	if cfg.EligibilityWindow > 0 {
		pol.EligibilityWindow = cfg.EligibilityWindow
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reporters := pipeline.MultiReporter{&pipeline.LogReporter{Logger: logger}}
	if cfg.ProgressRedisURL != "" {
		pub, err := progress.NewPublisher(ctx, progress.Options{
			URL:         cfg.ProgressRedisURL,
			Channel:     cfg.ProgressRedisChannel,
			StepPercent: cfg.ProgressStepPercent,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		reporters = append(reporters, pub)
	}

	g, gctx := errgroup.WithContext(ctx)
	events := pipeline.NewChannelReporter(gctx, progressEventBuffer)
	reporters = append(reporters, events)

	runCtx, endRun := context.WithCancel(gctx)
	defer endRun()
	if _, metricsErr := metrics.StartServer(runCtx, cfg.MetricsAddr, logger); metricsErr != nil {
		g.Go(func() error {
			if err, ok := <-metricsErr; ok && err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		renderProgress(out.stderr, events.Events(), out.interactive)
		return nil
	})

	var result *poam.CommitResult
	g.Go(func() error {
		defer endRun()
		defer events.Close()

		res, err := pipeline.RunImport(gctx, st,
			grouping.KeyGrouper{IncludeScanID: cfg.GroupByScan},
			triage.New(pol.POC),
			file.Findings, meta, reporters,
			pipeline.WithPolicy(pol),
			pipeline.WithLogger(logger),
		)
		result = res
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return printResult(out.stdout, result, opts.JSON)
}

func scanMetadata(fromFile poam.ScanMetadata, opts importOptions) poam.ScanMetadata {
	return poam.ScanMetadata{
		ScanID:   firstNonEmpty(opts.ScanID, fromFile.ScanID),
		FileName: fromFile.FileName,
		Source:   firstNonEmpty(opts.Source, fromFile.Source),
		ScanType: firstNonEmpty(opts.ScanType, fromFile.ScanType),
	}
}

func printResult(w io.Writer, result *poam.CommitResult, asJSON bool) error {
	if result == nil {
		return nil
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	c := result.Counts
	fmt.Fprintf(w, "run %s committed %d POA&M items for scan %s\n", result.RunID, c.Committed, result.ScanID)
	fmt.Fprintf(w, "  findings: %d total, %d eligible, %d excluded\n", c.Total, c.Eligible, c.Excluded)
	fmt.Fprintf(w, "  groups: %d, drafted: %d, skipped: %d, auto-triaged: %d\n", c.Groups, c.Drafted, c.Skipped, c.AutoTriaged)
	return nil
}

// renderProgress drains events until the stream closes, drawing a single status line when
// w is a terminal.
func renderProgress(w io.Writer, events <-chan pipeline.Event, interactive bool) {
	drawn := false
	for e := range events {
		if !interactive {
			continue
		}
		if e.Done {
			if drawn {
				fmt.Fprint(w, "\r\033[K")
			}
			drawn = false
			continue
		}
		fmt.Fprintf(w, "\r\033[K%s %3.0f%% %s", progressBar(e.OverallProgress, 24), e.OverallProgress*100, e.Message)
		drawn = true
	}
	if drawn {
		fmt.Fprintln(w)
	}
}

func progressBar(fraction float64, width int) string {
	filled := int(fraction * float64(width))
	filled = max(0, min(filled, width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(" ", width-filled) + "]"
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
