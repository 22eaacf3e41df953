package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/store"
	"github.com/spf13/cobra"
)

var poamsCmd = &cobra.Command{
	Use:   "poams",
	Short: "Inspect committed POA&M items.",
}

var poamsListFilter struct {
	status string
	risk   string
	poc    string
	runID  string
	limit  int
}

var poamsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List POA&M items as JSON.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.POAMFilter{
			Status: strings.TrimSpace(poamsListFilter.status),
			POC:    strings.TrimSpace(poamsListFilter.poc),
			RunID:  strings.TrimSpace(poamsListFilter.runID),
			Limit:  poamsListFilter.limit,
		}
		if risk := strings.TrimSpace(poamsListFilter.risk); risk != "" {
			filter.Risk = poam.ParseSeverity(risk)
		}
		return withReadStore(cmd, func(ctx context.Context, s store.Store) error {
			items, err := s.ListPOAMs(ctx, filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), items)
		})
	},
}

var poamsSummaryCmd = &cobra.Command{
	Use:   "summary <scan-id>",
	Short: "Print the summary recorded for a committed scan as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scanID := strings.TrimSpace(args[0])
		return withReadStore(cmd, func(ctx context.Context, s store.Store) error {
			sum, err := s.GetScanSummary(ctx, scanID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no committed import for scan %s", scanID)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sum)
		})
	},
}

func init() {
	f := poamsListCmd.Flags()
	f.StringVar(&poamsListFilter.status, "status", "", `Filter by status, e.g. "Open" or "In Progress"`)
	f.StringVar(&poamsListFilter.risk, "risk", "", "Filter by risk: critical, high, medium, low or info")
	f.StringVar(&poamsListFilter.poc, "poc", "", "Filter by point of contact")
	f.StringVar(&poamsListFilter.runID, "run-id", "", "Filter by the run that created the item")
	f.IntVar(&poamsListFilter.limit, "limit", store.DefaultListLimit, "Maximum number of items")

	poamsCmd.AddCommand(poamsListCmd, poamsSummaryCmd)
}
