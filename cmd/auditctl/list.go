package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mediscan/pkg/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print audit entries as JSON lines",
	RunE:  runList,
}

var (
	listResourceType string
	listResourceID   string
	listAction       string
	listSince        time.Duration
	listLimit        int
)

func init() {
	listCmd.Flags().StringVar(&listResourceType, "resource-type", "", "Filter by resource type (artifact, job, callback, audit_ledger)")
	listCmd.Flags().StringVar(&listResourceID, "resource-id", "", "Filter by resource id")
	listCmd.Flags().StringVar(&listAction, "action", "", "Filter by action")
	listCmd.Flags().DurationVar(&listSince, "since", 0, "Only entries newer than this (e.g. 24h)")
	listCmd.Flags().IntVar(&listLimit, "limit", 100, "Maximum entries to print")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	_, ledger, err := openLedger()
	if err != nil {
		return err
	}
	filter := store.AuditFilter{
		ResourceType: listResourceType,
		ResourceID:   listResourceID,
		Action:       listAction,
		Limit:        listLimit,
	}
	if listSince > 0 {
		filter.Since = time.Now().UTC().Add(-listSince)
	}
	entries, err := ledger.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
