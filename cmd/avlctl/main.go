// Command avlctl is the operational CLI for audit verification ledgers. It
// verifies chain integrity, runs continuity proofs, inspects drift events,
// tails recent entries, and exports/imports ledger files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/auditledger"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/continuity"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/driftguard"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden by the release build via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile    string
	ledgerPath string
	logger     *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "avlctl",
	Short: "Audit verification ledger CLI",
	Long: `avlctl operates on audit verification ledger files.

It verifies hash-chain integrity, runs the four continuity proofs
(ledger, temporal, amplitude, regime), lists drift events, tails recent
entries, and round-trips ledgers through the JSONL export format.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("avlctl")
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.avlctl")
		}
		viper.SetEnvPrefix("avl")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()

		viper.SetDefault("ledger.path", "avl.jsonl")
		viper.SetDefault("ledger.lock_timeout", "5s")
		viper.SetDefault("guard.halt_on_drift", false)
		viper.SetDefault("guard.score_epsilon", 1e-6)
		viper.SetDefault("guard.amplitude_min", 0.0)
		viper.SetDefault("guard.amplitude_max", 1.0)
		viper.SetDefault("guard.min_duration", 3)
		viper.SetDefault("prover.max_amplitude_delta", 0.30)
		viper.SetDefault("prover.min_duration", 3)
		viper.SetDefault("prover.hysteresis_margin", 0.05)

		_ = viper.ReadInConfig()

		if ledgerPath == "" {
			ledgerPath = viper.GetString("ledger.path")
		}

		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync() //nolint:errcheck
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./avlctl.yaml or ~/.avlctl/avlctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "ledger file path (default from config: avl.jsonl)")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(proveCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)
}

// guardFromConfig assembles the drift guard from viper settings.
func guardFromConfig() *driftguard.Guard {
	cfg := driftguard.Config{
		HaltOnDrift:  viper.GetBool("guard.halt_on_drift"),
		ScoreEpsilon: viper.GetFloat64("guard.score_epsilon"),
		AmplitudeMin: viper.GetFloat64("guard.amplitude_min"),
		AmplitudeMax: viper.GetFloat64("guard.amplitude_max"),
		MinDuration:  viper.GetInt("guard.min_duration"),
	}
	return driftguard.New(cfg, logger)
}

// openLedger opens the configured ledger file strictly (chain must verify).
func openLedger() (*auditledger.FileLedger, error) {
	return auditledger.NewFile(auditledger.FileConfig{
		Path:        ledgerPath,
		LockTimeout: viper.GetDuration("ledger.lock_timeout"),
	}, guardFromConfig(), logger)
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger's hash chain and report every violation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, violations, err := auditledger.VerifyFile(ledgerPath)
		if err != nil {
			return err
		}
		if ok {
			fmt.Println("chain intact")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tENTRY\tVIOLATION")
		for _, v := range violations {
			fmt.Fprintf(w, "%d\t%s\t%s\n", v.Index, v.EntryID, v.Detail)
		}
		w.Flush()
		return fmt.Errorf("chain broken: %d violation(s)", len(violations))
	},
}

// ── prove ────────────────────────────────────────────────────────────────────

var proveCmd = &cobra.Command{
	Use:   "prove",
	Short: "Run the four continuity proofs against the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := auditledger.Import(ledgerPath, nil)
		if err != nil {
			return err
		}
		cfg := continuity.Config{
			MaxAmplitudeDelta: viper.GetFloat64("prover.max_amplitude_delta"),
			MinDuration:       viper.GetInt("prover.min_duration"),
			HysteresisMargin:  viper.GetFloat64("prover.hysteresis_margin"),
		}
		verdict, err := continuity.ProveAll(context.Background(), l, cfg)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROOF\tRESULT\tVIOLATIONS")
		printProof(w, "ledger", verdict.Ledger)
		printProof(w, "temporal", verdict.Temporal)
		printProof(w, "amplitude", verdict.Amplitude)
		printProof(w, "regime", verdict.Regime)
		w.Flush()

		for _, pr := range []struct {
			name string
			res  continuity.ProofResult
		}{
			{"ledger", verdict.Ledger}, {"temporal", verdict.Temporal},
			{"amplitude", verdict.Amplitude}, {"regime", verdict.Regime},
		} {
			for _, v := range pr.res.Violations {
				fmt.Printf("  %s: index %d (%s): %s\n", pr.name, v.Index, v.EntryID, v.Detail)
			}
		}

		if !verdict.OK() {
			return fmt.Errorf("continuity proofs failed")
		}
		return nil
	},
}

func printProof(w *tabwriter.Writer, name string, res continuity.ProofResult) {
	result := "PASS"
	if !res.OK {
		result = "FAIL"
	}
	fmt.Fprintf(w, "%s\t%s\t%d\n", name, result, len(res.Violations))
}

// ── tail ─────────────────────────────────────────────────────────────────────

var tailN int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := auditledger.Import(ledgerPath, nil)
		if err != nil {
			return err
		}
		entries, err := l.GetLatest(context.Background(), tailN)
		if err != nil {
			return err
		}
		printEntries(entries)
		return nil
	},
}

// ── drift ────────────────────────────────────────────────────────────────────

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "List entries flagged by the drift guard",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := auditledger.Import(ledgerPath, nil)
		if err != nil {
			return err
		}
		entries, err := l.QueryDriftEvents(context.Background())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no drift events")
			return nil
		}
		printEntries(entries)
		return nil
	},
}

func printEntries(entries []*regime.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTIMESTAMP\tFROM\tTO\tAMPLITUDE\tFLAGS")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%g\t%s\n",
			e.Index,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.FromRegime, e.ToRegime, e.Amplitude,
			strings.Join(e.DriftFlags, ","),
		)
	}
	w.Flush()
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendFrom      string
	appendTo        string
	appendAmplitude float64
	appendMetrics   []string
	appendRefRegime string
	appendRefScore  string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append one transition to the ledger",
	Long: `Append records a single regime transition.

Metrics are given as repeated key=value pairs:

  avlctl append --from CALM --to SURGE --amplitude 0.42 \
      --metric signal=0.91 --metric threshold=0.85`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}

		cand := regime.Candidate{
			Timestamp:  time.Now().UTC(),
			FromRegime: appendFrom,
			ToRegime:   appendTo,
			Amplitude:  appendAmplitude,
		}
		if len(appendMetrics) > 0 {
			cand.Metrics = map[string]float64{}
			for _, kv := range appendMetrics {
				key, raw, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid metric %q, want key=value", kv)
				}
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return fmt.Errorf("invalid metric value %q: %w", kv, err)
				}
				cand.Metrics[key] = v
			}
		}

		var ref *regime.Reference
		if appendRefRegime != "" {
			ref = &regime.Reference{Regime: appendRefRegime}
			if appendRefScore != "" {
				s, err := strconv.ParseFloat(appendRefScore, 64)
				if err != nil {
					return fmt.Errorf("invalid reference score %q: %w", appendRefScore, err)
				}
				ref.Score = &s
			}
		}

		entry, err := l.Append(context.Background(), cand, ref)
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))

		if len(entry.DriftFlags) > 0 && viper.GetBool("guard.halt_on_drift") {
			return fmt.Errorf("entry %d drifted (%s): halt requested by guard policy",
				entry.Index, strings.Join(entry.DriftFlags, ","))
		}
		return nil
	},
}

// ── export / import ──────────────────────────────────────────────────────────

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger to a JSONL file",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := auditledger.Import(ledgerPath, nil)
		if err != nil {
			return err
		}
		if err := auditledger.Export(context.Background(), l, exportOut); err != nil {
			return err
		}
		n, _ := l.Len(context.Background())
		fmt.Printf("exported %d entries to %s\n", n, exportOut)
		return nil
	},
}

var importIn string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Validate a JSONL export and summarise its contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := auditledger.Import(importIn, nil)
		if err != nil {
			return err
		}
		ctx := context.Background()
		n, _ := l.Len(ctx)
		root, _ := l.Root(ctx)
		drifted, err := l.QueryDriftEvents(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("valid ledger: %d entries, %d drift events, root %s\n", n, len(drifted), root)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the avlctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("avlctl", version)
	},
}

func init() {
	tailCmd.Flags().IntVar(&tailN, "n", 10, "Number of entries to show")
	appendCmd.Flags().StringVar(&appendFrom, "from", "", "Regime being exited")
	appendCmd.Flags().StringVar(&appendTo, "to", "", "Regime being entered")
	appendCmd.Flags().Float64Var(&appendAmplitude, "amplitude", 0, "Signal amplitude at transition time")
	appendCmd.Flags().StringArrayVar(&appendMetrics, "metric", nil, "Metric as key=value (repeatable)")
	appendCmd.Flags().StringVar(&appendRefRegime, "ref-regime", "", "Independent oracle classification (optional)")
	appendCmd.Flags().StringVar(&appendRefScore, "ref-score", "", "Independent oracle score (optional)")
	appendCmd.MarkFlagRequired("from") //nolint:errcheck
	appendCmd.MarkFlagRequired("to")   //nolint:errcheck
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Destination JSONL file")
	exportCmd.MarkFlagRequired("out") //nolint:errcheck
	importCmd.Flags().StringVar(&importIn, "in", "", "Source JSONL file")
	importCmd.MarkFlagRequired("in") //nolint:errcheck
}
