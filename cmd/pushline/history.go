package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/pushline/internal/history"
)

var historyTailLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Send history commands",
}

var historyTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the latest send attempts",
	RunE:  runHistoryTail,
}

var historyLastWaveCmd = &cobra.Command{
	Use:   "last-wave",
	Short: "Show phones delivered in the trailing run of successes",
	RunE:  runHistoryLastWave,
}

var historySentCacheCmd = &cobra.Command{
	Use:   "sent-cache",
	Short: "List phones recorded in the sent cache",
	RunE:  runHistorySentCache,
}

func init() {
	historyTailCmd.Flags().IntVarP(&historyTailLimit, "limit", "n", 50, "Number of rows to show")

	historyCmd.AddCommand(historyTailCmd, historyLastWaveCmd, historySentCacheCmd)
	rootCmd.AddCommand(historyCmd)
}

func openLedger() (*history.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return history.NewLedger(cfg.History.Path, history.Format(cfg.History.Format)), nil
}

func runHistoryTail(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger()
	if err != nil {
		return err
	}

	rows, err := ledger.Tail(historyTailLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "History is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tPHONE\tNAME\tSTATUS\tDETAILS")
	fmt.Fprintln(w, "---------\t-----\t----\t------\t-------")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp, r.Phone, r.Name, r.Status, r.Details)
	}
	return w.Flush()
}

func runHistoryLastWave(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger()
	if err != nil {
		return err
	}

	rows, err := ledger.Tail(history.MaxTail)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	phones := history.UniquePhones(history.LastWave(rows))
	out := cmd.OutOrStdout()
	for _, p := range phones {
		fmt.Fprintln(out, p)
	}
	fmt.Fprintf(os.Stderr, "Total: %d\n", len(phones))
	return nil
}

func runHistorySentCache(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	phones, err := history.NewSentCache(cfg.History.SentCachePath).Phones()
	if err != nil {
		return fmt.Errorf("failed to read sent cache: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, p := range phones {
		fmt.Fprintln(out, p)
	}
	fmt.Fprintf(os.Stderr, "Total: %d\n", len(phones))
	return nil
}
