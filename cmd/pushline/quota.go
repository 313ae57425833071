package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/pushline/internal/app"
	"github.com/foxzi/pushline/internal/config"
	"github.com/foxzi/pushline/internal/ratelimit"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Send quota commands",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configured send quotas and current usage",
	RunE:  runQuotaShow,
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd)
	rootCmd.AddCommand(quotaCmd)
}

func runQuotaShow(cmd *cobra.Command, args []string) error {
	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	out := cmd.OutOrStdout()
	rl := o.cfg.RateLimit

	fmt.Fprintln(out, "Send Quotas")
	fmt.Fprintln(out, "===========")
	fmt.Fprintf(out, "Enabled: %v\n\n", rl.Enabled)

	if !rl.Enabled {
		fmt.Fprintln(out, "Send quotas are disabled")
		return nil
	}

	limiter, err := ratelimit.NewLimiter(o.storage.DB(), app.RateLimitConfig(rl))
	if err != nil {
		return fmt.Errorf("failed to open rate limiter: %w", err)
	}
	defer limiter.Stop()

	return printQuotas(context.Background(), out, rl, limiter)
}

func printQuotas(ctx context.Context, out io.Writer, rl config.RateLimitConfig, limiter *ratelimit.Limiter) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tKEY\tHOUR (USED/LIMIT)\tDAY (USED/LIMIT)")
	fmt.Fprintln(w, "-----\t---\t-----------------\t----------------")

	row := func(level ratelimit.Level, key string, v *config.LimitValues) error {
		if v == nil {
			fmt.Fprintf(w, "%s\t%s\t-\t-\n", level, key)
			return nil
		}
		stats, err := limiter.GetStats(ctx, level, key)
		if err != nil {
			return fmt.Errorf("failed to get %s stats: %w", level, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%s\t%d/%s\n", level, key,
			stats.HourlyCount, limitString(v.MessagesPerHour),
			stats.DailyCount, limitString(v.MessagesPerDay))
		return nil
	}

	if err := row(ratelimit.LevelGlobal, "global", rl.Global); err != nil {
		return err
	}

	prefixes := make([]string, 0, len(rl.Prefixes))
	for p := range rl.Prefixes {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		if err := row(ratelimit.LevelPrefix, p, rl.Prefixes[p]); err != nil {
			return err
		}
	}

	if rl.Recipient != nil {
		fmt.Fprintf(w, "%s\t*\t-/%s\t-/%s\n", ratelimit.LevelRecipient,
			limitString(rl.Recipient.MessagesPerHour), limitString(rl.Recipient.MessagesPerDay))
	}

	return w.Flush()
}

func limitString(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}
