package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/freshchain/freshchain/internal/cryptoengine"
	"github.com/freshchain/freshchain/internal/server/handler"
	"github.com/freshchain/freshchain/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	nodeURL     string
	cfgFile     string
	bearerToken string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "freshchain",
	Short: "FreshChain ledger CLI",
	Long: `freshchain is the command-line interface for a FreshChain ledger node.

It records supply-chain events, verifies transactions, and queries
history, reports, and node status.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.freshchain")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if nodeURL == "" {
			nodeURL = "http://localhost:8080"
		}
		if bearerToken == "" {
			bearerToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.freshchain/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "ledger node URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "bearer token for record endpoints")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(publicKeyCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if bearerToken != "" {
		opts = append(opts, client.WithBearerToken(bearerToken))
	}
	return client.New(nodeURL, opts...)
}

// ── record ───────────────────────────────────────────────────────────────────

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a supply-chain event on the ledger",
}

var recordSensorCmd = &cobra.Command{
	Use:   "sensor <sensor-id> <data-json>",
	Short: "Record a sensor reading",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseJSONMap(args[1])
		if err != nil {
			return err
		}
		res, err := newClient().RecordSensorData(context.Background(), args[0], data)
		if err != nil {
			return err
		}
		return printRecordResult(res)
	},
}

var recordRipenessCmd = &cobra.Command{
	Use:   "ripeness <crate-id> <result-json>",
	Short: "Record a ripeness analysis result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := parseJSONMap(args[1])
		if err != nil {
			return err
		}
		res, err := newClient().RecordRipenessAnalysis(context.Background(), args[0], result)
		if err != nil {
			return err
		}
		return printRecordResult(res)
	},
}

var recordShipmentCmd = &cobra.Command{
	Use:   "shipment <data-json>",
	Short: "Create a shipment record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseJSONMap(args[0])
		if err != nil {
			return err
		}
		res, err := newClient().CreateShipmentRecord(context.Background(), data)
		if err != nil {
			return err
		}
		return printRecordResult(res)
	},
}

var recordStatusLocation string

var recordStatusCmd = &cobra.Command{
	Use:   "status <shipment-id> <status>",
	Short: "Record a shipment status change",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var location map[string]any
		if recordStatusLocation != "" {
			var err error
			if location, err = parseJSONMap(recordStatusLocation); err != nil {
				return err
			}
		}
		res, err := newClient().UpdateShipmentStatus(context.Background(), args[0], args[1], location)
		if err != nil {
			return err
		}
		return printRecordResult(res)
	},
}

var recordQualityCmd = &cobra.Command{
	Use:   "quality <shipment-id> <data-json>",
	Short: "Record quality check results",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseJSONMap(args[1])
		if err != nil {
			return err
		}
		res, err := newClient().RecordQualityCheck(context.Background(), args[0], data)
		if err != nil {
			return err
		}
		return printRecordResult(res)
	},
}

func init() {
	recordStatusCmd.Flags().StringVar(&recordStatusLocation, "location", "", "coordinates as JSON, e.g. '{\"lat\":52.1,\"lon\":4.3}'")

	recordCmd.AddCommand(recordSensorCmd)
	recordCmd.AddCommand(recordRipenessCmd)
	recordCmd.AddCommand(recordShipmentCmd)
	recordCmd.AddCommand(recordStatusCmd)
	recordCmd.AddCommand(recordQualityCmd)
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <transaction-hash>",
	Short: "Verify a transaction's signature and Merkle anchoring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().VerifyTransaction(context.Background(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "verified\t%v\n", res.Verified)
		fmt.Fprintf(w, "signature_valid\t%v\n", res.SignatureValid)
		fmt.Fprintf(w, "merkle_root_valid\t%v\n", res.MerkleRootValid)
		return w.Flush()
	},
}

// ── history ──────────────────────────────────────────────────────────────────

var historyCrate bool

var historyCmd = &cobra.Command{
	Use:   "history <shipment-id|crate-id>",
	Short: "Show the transaction history of a shipment or crate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		var (
			txs []*client.Transaction
			err error
		)
		if historyCrate {
			txs, err = newClient().GetCrateHistory(ctx, args[0])
		} else {
			txs, err = newClient().GetShipmentHistory(ctx, args[0])
		}
		if err != nil {
			return err
		}
		return printTransactions(txs)
	},
}

func init() {
	historyCmd.Flags().BoolVar(&historyCrate, "crate", false, "treat the argument as a crate id")
}

// ── report ───────────────────────────────────────────────────────────────────

var reportFilter client.ReportFilter

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a filtered supply-chain report",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newClient().GenerateReport(context.Background(), reportFilter)
		if err != nil {
			return err
		}
		fmt.Printf("generated_at: %s  total: %d\n\n", report.GeneratedAt, report.TotalCount)
		return printTransactions(report.Transactions)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFilter.ShipmentID, "shipment", "", "filter by shipment id")
	reportCmd.Flags().StringVar(&reportFilter.CrateID, "crate", "", "filter by crate id")
	reportCmd.Flags().StringVar(&reportFilter.StartDate, "start", "", "ISO-8601 lower bound (inclusive)")
	reportCmd.Flags().StringVar(&reportFilter.EndDate, "end", "", "ISO-8601 upper bound (inclusive)")
}

// ── status / publickey / token / version ─────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().GetStatus(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "mode\t%s\n", st.Mode)
		fmt.Fprintf(w, "connected\t%v\n", st.Connected)
		fmt.Fprintf(w, "transactions\t%d\n", st.TotalTransactions)
		fmt.Fprintf(w, "events\t%d\n", st.TotalEvents)
		fmt.Fprintf(w, "pending_retries\t%d\n", st.PendingRetries)
		fmt.Fprintf(w, "key_generated_at\t%s\n", st.KeyGeneratedAt)
		return w.Flush()
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Show the node's audit archive state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().GetArchiveStatus(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "entries\t%d\n", st.Entries)
		fmt.Fprintf(w, "root\t%s\n", st.Root)
		fmt.Fprintf(w, "intact\t%v\n", st.Intact)
		return w.Flush()
	},
}

var publicKeyCmd = &cobra.Command{
	Use:   "publickey",
	Short: "Export the node's active public key as PEM",
	RunE: func(cmd *cobra.Command, args []string) error {
		pem, err := newClient().PublicKey(context.Background())
		if err != nil {
			return err
		}
		// Parse before printing so a corrupt or truncated response is an
		// error, not something piped onward to an external verifier.
		pub, err := cryptoengine.ImportPublicKey(pem)
		if err != nil {
			return fmt.Errorf("node returned an unusable key: %w", err)
		}
		fmt.Fprintf(os.Stderr, "# RSA-%d, fingerprint %s\n",
			pub.N.BitLen(), cryptoengine.Fingerprint(pub))
		fmt.Print(pem)
		return nil
	},
}

var (
	tokenSecret string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <collaborator>",
	Short: "Mint a bearer token for a collaborator (requires the node's auth secret)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			tokenSecret = viper.GetString("auth_secret")
		}
		if tokenSecret == "" {
			return fmt.Errorf("--secret or auth_secret config is required")
		}
		signed, err := handler.IssueToken(tokenSecret, args[0], tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "node auth secret")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// ── helpers ──────────────────────────────────────────────────────────────────

func parseJSONMap(raw string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON object %q: %w", raw, err)
	}
	return m, nil
}

func printRecordResult(res *client.RecordResult) error {
	fmt.Printf("%s\t%s\n", res.Hash, res.Status)
	return nil
}

func printTransactions(txs []*client.Transaction) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tTYPE\tHASH")
	for _, tx := range txs {
		hash := tx.Hash
		if len(hash) > 16 {
			hash = hash[:16] + "…"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", tx.Timestamp, tx.Kind, hash)
	}
	return w.Flush()
}
