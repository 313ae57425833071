package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/pushline/internal/sandbox"
)

var (
	sandboxListTo     string
	sandboxListLimit  int
	sandboxClearOlder time.Duration
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Captured sandbox delivery commands",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by recipient phone")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxClearCmd.Flags().DurationVar(&sandboxClearOlder, "older-than", 0, "Clear only messages older than this (e.g. 24h)")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func openSandbox() (*sandbox.Storage, func() error, error) {
	o, err := openOffline()
	if err != nil {
		return nil, nil, err
	}

	st, err := sandbox.NewStorage(o.storage.DB())
	if err != nil {
		o.Close()
		return nil, nil, fmt.Errorf("failed to open sandbox storage: %w", err)
	}
	return st, o.Close, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	st, closeFn, err := openSandbox()
	if err != nil {
		return err
	}
	defer closeFn()

	msgs, err := st.List(context.Background(), sandbox.ListFilter{To: sandboxListTo, Limit: sandboxListLimit})
	if err != nil {
		return fmt.Errorf("failed to list sandbox messages: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No captured messages")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAPTURED\tTO\tPATH\tCONTENT\tSIMULATED ERROR")
	fmt.Fprintln(w, "--------\t--\t----\t-------\t---------------")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.CapturedAt.Format("2006-01-02 15:04:05"),
			m.To,
			m.Path,
			summarize(m),
			m.SimulatedErr,
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nShown: %d messages\n", len(msgs))
	return nil
}

func summarize(m *sandbox.Message) string {
	if len(m.Script) > 0 {
		return fmt.Sprintf("%d script steps", len(m.Script))
	}
	text := strings.ReplaceAll(m.Text, "\n", " ")
	if len(text) > 40 {
		text = text[:37] + "..."
	}
	if len(m.Media) > 0 {
		text = fmt.Sprintf("%s [+%d media]", text, len(m.Media))
	}
	return text
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	st, closeFn, err := openSandbox()
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := st.Clear(context.Background(), sandboxClearOlder)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d messages\n", n)
	return nil
}
