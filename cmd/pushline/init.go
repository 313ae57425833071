package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initOutput   string
	initDataDir  string
	initBotURL   string
	initAPIKey   string
	initAdminPin string
	initMode     string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Pushline configuration",
	Long: `Interactive wizard to create a Pushline configuration file.

Examples:
  # Interactive mode - prompts for missing values
  pushline init

  # Non-interactive with all flags
  pushline init --bot-url http://127.0.0.1:3002 --data-dir /var/lib/pushline

  # Quick setup for testing
  pushline init --mode sandbox -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/pushline", "Data directory for storage and history")
	initCmd.Flags().StringVar(&initBotURL, "bot-url", "", "Delivery bot base URL")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initAdminPin, "admin-pin", "", "Admin PIN required to start a run (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initMode, "mode", "production", "Delivery mode: production, sandbox")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	fmt.Fprintln(out, "Pushline Configuration Wizard")
	fmt.Fprintln(out, "=============================")
	fmt.Fprintln(out)

	if initBotURL == "" {
		initBotURL = prompt(reader, out, "Delivery bot URL", "http://localhost:3002")
	}

	if initMode != "production" && initMode != "sandbox" {
		return fmt.Errorf("invalid mode: %s (must be production or sandbox)", initMode)
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Fprintf(out, "  Generated API key: %s\n", initAPIKey)
	}

	if initAdminPin == "" {
		initAdminPin = generatePin(6)
		fmt.Fprintf(out, "  Generated admin PIN: %s\n", initAdminPin)
	}

	// Check if output file exists
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Fprintf(out, "  Warning: Could not create data directory: %v\n", err)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(out, "  Configuration saved to: %s\n", initOutput)
	fmt.Fprintln(out)

	printNextSteps(out)
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultValue)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generatePin(digits int) string {
	var sb strings.Builder
	for range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		sb.WriteString(n.String())
	}
	return sb.String()
}

func generateConfig() string {
	return fmt.Sprintf(`# Pushline configuration
# Generated by: pushline init

api:
  listen_addr: ":3001"
  api_key: "%s"
  admin_pin: "%s"
  max_upload_bytes: 10485760  # 10MB
  read_timeout: 30s
  idle_timeout: 60s

bot:
  base_url: "%s"
  timeout: 30s

delivery:
  mode: %s

broadcast:
  wave_limit: 200
  min_delay: 4s
  max_delay: 7s
  cooldown: 90m

storage:
  path: "%s/pushline.db"

history:
  path: "%s/results.csv"
  sent_cache_path: "%s/sent_cache.json"
  format: quoted

media:
  config_path: "%s/media_config.json"
  watch: true

rate_limit:
  enabled: false
  global:
    messages_per_hour: 1000
    messages_per_day: 5000

metrics:
  enabled: false
  listen_addr: ":9090"

logging:
  level: "info"
  format: "json"
`,
		initAPIKey,
		initAdminPin,
		initBotURL,
		initMode,
		initDataDir,
		initDataDir, initDataDir,
		initDataDir,
	)
}

func printNextSteps(out io.Writer) {
	fmt.Fprintln(out, "Next Steps")
	fmt.Fprintln(out, "==========")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "1. Start the server:")
	fmt.Fprintf(out, "   pushline serve -c %s\n", initOutput)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "2. Upload contacts:")
	fmt.Fprintln(out, "   curl -X POST http://localhost:3001/api/v1/contacts/upload \\")
	fmt.Fprintf(out, "     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Fprintln(out, "     -F file=@contacts.csv")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "3. Send the first wave:")
	fmt.Fprintln(out, "   curl -X POST http://localhost:3001/api/v1/broadcast/wave \\")
	fmt.Fprintf(out, "     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Fprintln(out, "     -H \"Content-Type: application/json\" \\")
	fmt.Fprintf(out, "     -d '{\"adminPin\": \"%s\"}'\n", initAdminPin)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Credentials")
	fmt.Fprintln(out, "-----------")
	fmt.Fprintf(out, "API Key:   %s\n", initAPIKey)
	fmt.Fprintf(out, "Admin PIN: %s\n", initAdminPin)
	fmt.Fprintln(out)
}
