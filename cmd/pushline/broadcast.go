package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/config"
	"github.com/foxzi/pushline/internal/engine"
	"github.com/foxzi/pushline/internal/queue"
)

var (
	contactsListLimit  int
	contactsListOffset int
	contactsDryRun     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show broadcast run status",
	RunE:  runStatus,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the wave plan for the stored contacts",
	RunE:  runPlan,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset run progress",
	RunE:  runReset,
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Contact queue commands",
}

var contactsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the contact queue from a CSV/TSV file",
	Args:  cobra.ExactArgs(1),
	RunE:  runContactsImport,
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued contacts",
	RunE:  runContactsList,
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Legacy template commands",
}

var templatesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace templates from a .txt or .json file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatesImport,
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored templates",
	RunE:  runTemplatesList,
}

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Campaign script commands",
}

var scriptImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the campaign script from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptImport,
}

var scriptShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored campaign script",
	RunE:  runScriptShow,
}

func init() {
	contactsImportCmd.Flags().BoolVar(&contactsDryRun, "dry-run", false, "Parse the file without storing it")
	contactsListCmd.Flags().IntVar(&contactsListLimit, "limit", 50, "Maximum number of contacts to show")
	contactsListCmd.Flags().IntVar(&contactsListOffset, "offset", 0, "Number of contacts to skip")

	contactsCmd.AddCommand(contactsImportCmd, contactsListCmd)
	templatesCmd.AddCommand(templatesImportCmd, templatesListCmd)
	scriptCmd.AddCommand(scriptImportCmd, scriptShowCmd)
	rootCmd.AddCommand(statusCmd, planCmd, resetCmd, contactsCmd, templatesCmd, scriptCmd)
}

// offline gives commands direct access to the broadcast storage.
// The bolt file is locked while the server runs.
type offline struct {
	cfg      *config.Config
	storage  *queue.BoltStorage
	campaign *campaign.Storage
	engine   *engine.Engine
}

func openOffline() (*offline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	o := &offline{cfg: cfg, storage: storage}
	if err := o.init(); err != nil {
		storage.Close()
		return nil, err
	}
	return o, nil
}

func (o *offline) init() error {
	db := o.storage.DB()

	cs, err := campaign.NewStorage(db)
	if err != nil {
		return fmt.Errorf("failed to open campaign storage: %w", err)
	}
	o.campaign = cs

	states, err := engine.NewStateStore(db)
	if err != nil {
		return fmt.Errorf("failed to open run state storage: %w", err)
	}

	// No sender: this engine never starts a run
	o.engine, err = engine.New(engine.Options{
		Config: engine.Config{
			WaveLimit: o.cfg.Broadcast.WaveLimit,
			MinDelay:  o.cfg.Broadcast.MinDelay,
			MaxDelay:  o.cfg.Broadcast.MaxDelay,
			Cooldown:  o.cfg.Broadcast.Cooldown,
		},
		Queue:    o.storage,
		Campaign: cs,
		State:    states,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	return nil
}

func (o *offline) Close() error {
	o.engine.Close()
	return o.storage.Close()
}

func runStatus(cmd *cobra.Command, args []string) error {
	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	report, err := o.engine.Status(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	printStatus(cmd.OutOrStdout(), report)
	return nil
}

func printStatus(out io.Writer, r *engine.StatusReport) {
	fmt.Fprintf(out, "Status:    %s\n", r.Status)
	fmt.Fprintf(out, "Mode:      %s\n", r.Mode)
	fmt.Fprintf(out, "Sent:      %d\n", r.Sent)
	fmt.Fprintf(out, "Errors:    %d\n", r.Errors)
	fmt.Fprintf(out, "Remaining: %d\n", r.Total)
	fmt.Fprintf(out, "Wave:      %d/%d\n", r.WaveIndex, r.WavesTotal)
	if r.StartedAt != nil {
		fmt.Fprintf(out, "Started:   %s\n", r.StartedAt.Format(time.RFC3339))
	}
	if r.CooldownUntil != nil {
		fmt.Fprintf(out, "Cooldown:  until %s\n", r.CooldownUntil.Format(time.RFC3339))
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	plan, err := o.engine.Plan(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compute plan: %w", err)
	}

	printPlan(cmd.OutOrStdout(), plan)
	return nil
}

func printPlan(out io.Writer, p engine.Plan) {
	fmt.Fprintf(out, "Contacts:   %d\n", p.Total)
	fmt.Fprintf(out, "Wave limit: %d\n", p.Limit)
	fmt.Fprintf(out, "Waves:      %d (last wave %d)\n", p.Waves, p.LastWaveSize)
	fmt.Fprintf(out, "Avg delay:  %s\n", time.Duration(p.AvgDelay)*time.Millisecond)
	fmt.Fprintf(out, "Per wave:   ~%s\n", time.Duration(p.AvgWaveMs)*time.Millisecond)
	fmt.Fprintf(out, "Total:      ~%s (cooldowns excluded)\n", time.Duration(p.ApproxTotalMs)*time.Millisecond)
}

func runReset(cmd *cobra.Command, args []string) error {
	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	if _, err := o.engine.Reset(context.Background()); err != nil {
		return fmt.Errorf("failed to reset run: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Run progress reset")
	return nil
}

func runContactsImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read contacts file: %w", err)
	}

	res := queue.ParseContacts(data)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Parsed %d contacts (%d skipped, %d duplicates)\n", len(res.Contacts), res.Skipped, res.Duplicates)

	if contactsDryRun {
		return nil
	}

	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	plan, err := o.engine.ImportContacts(context.Background(), res.Contacts)
	if err != nil {
		return fmt.Errorf("failed to import contacts: %w", err)
	}

	fmt.Fprintln(out)
	printPlan(out, plan)
	return nil
}

func runContactsList(cmd *cobra.Command, args []string) error {
	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	ctx := context.Background()
	contacts, err := o.storage.List(ctx, queue.ListFilter{Limit: contactsListLimit, Offset: contactsListOffset})
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}

	total, err := o.storage.Len(ctx)
	if err != nil {
		return fmt.Errorf("failed to count contacts: %w", err)
	}

	out := cmd.OutOrStdout()
	if total == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPHONE\tNAME")
	fmt.Fprintln(w, "-\t-----\t----")
	for i, c := range contacts {
		fmt.Fprintf(w, "%d\t%s\t%s\n", contactsListOffset+i+1, c.Phone, c.Name)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d contacts\n", total)
	return nil
}

func runTemplatesImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read templates file: %w", err)
	}

	templates, err := campaign.ParseTemplates(args[0], data)
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}

	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	if err := o.engine.SetTemplates(context.Background(), templates); err != nil {
		return fmt.Errorf("failed to import templates: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d templates, run progress reset\n", len(templates))
	return nil
}

func runTemplatesList(cmd *cobra.Command, args []string) error {
	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	templates, err := o.campaign.Templates(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read templates: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(templates) == 0 {
		fmt.Fprintln(out, "No templates")
		return nil
	}
	for i, t := range templates {
		fmt.Fprintf(out, "[%d] %s\n", i+1, t)
	}
	return nil
}

func runScriptImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read script file: %w", err)
	}

	steps, err := campaign.ParseScript(data)
	if err != nil {
		return fmt.Errorf("failed to parse script: %w", err)
	}

	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	if err := o.engine.SetScript(context.Background(), steps); err != nil {
		return fmt.Errorf("failed to import script: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Saved script with %d steps\n", len(steps))
	return nil
}

func runScriptShow(cmd *cobra.Command, args []string) error {
	o, err := openOffline()
	if err != nil {
		return err
	}
	defer o.Close()

	steps, err := o.campaign.Script(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	if steps == nil {
		steps = []campaign.Step{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(steps)
}
