package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/store"
	"github.com/spf13/cobra"
)

const readCommandTimeout = 30 * time.Second

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect import runs.",
}

var runsShowArtifacts bool

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a run record with its milestones as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReadStore(cmd, func(ctx context.Context, s store.Store) error {
			return showRun(ctx, s, cmd.OutOrStdout(), args[0], runsShowArtifacts)
		})
	},
}

var (
	runsListStatus string
	runsListScanID string
	runsListLimit  int
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs as JSON, newest first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := parseRunStatus(runsListStatus)
		if err != nil {
			return err
		}
		filter := store.RunFilter{Status: status, ScanID: strings.TrimSpace(runsListScanID), Limit: runsListLimit}
		return withReadStore(cmd, func(ctx context.Context, s store.Store) error {
			runs, err := s.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), runs)
		})
	},
}

func init() {
	runsShowCmd.Flags().BoolVar(&runsShowArtifacts, "artifacts", false, "Include milestone artifacts")

	runsListCmd.Flags().StringVar(&runsListStatus, "status", "", "Filter by status: running, complete or failed")
	runsListCmd.Flags().StringVar(&runsListScanID, "scan-id", "", "Filter by scan")
	runsListCmd.Flags().IntVar(&runsListLimit, "limit", store.DefaultListLimit, "Maximum number of runs")

	runsCmd.AddCommand(runsShowCmd, runsListCmd)
}

type runView struct {
	poam.RunRecord
	Artifacts []poam.Artifact `json:"artifacts,omitempty"`
}

func showRun(ctx context.Context, s store.Store, w io.Writer, runID string, artifacts bool) error {
	runID = strings.TrimSpace(runID)
	run, err := s.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}

	view := runView{RunRecord: run}
	if artifacts {
		view.Artifacts, err = s.ListArtifacts(ctx, runID)
		if err != nil {
			return err
		}
	}
	return writeJSON(w, view)
}

func parseRunStatus(raw string) (poam.RunStatus, error) {
	status := poam.RunStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case "", poam.RunStatusRunning, poam.RunStatusComplete, poam.RunStatusFailed:
		return status, nil
	default:
		return "", usageError("--status must be one of: %s, %s, %s", poam.RunStatusRunning, poam.RunStatusComplete, poam.RunStatusFailed)
	}
}

func withReadStore(cmd *cobra.Command, fn func(context.Context, store.Store) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), readCommandTimeout)
	defer cancel()

	s, closeStore, err := openReadStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, s)
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
