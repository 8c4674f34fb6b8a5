package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"FleetGuard/client"
	"FleetGuard/internal/checkpoint"
	"FleetGuard/internal/logger"
)

// newRootCmd builds the fleetguard command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetguard",
		Short:         "Adversarial-robust aggregation and safety-constrained control simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(), newCheckpointCmd(), newCompareCmd(), newStatusCmd())

	return root
}

// runFlags holds flag values that override the config file.
type runFlags struct {
	config       string
	data         string
	http         string
	key          string
	logLevel     string
	rounds       uint64
	duration     float64
	seed         uint64
	agents       int
	participants int
	dimension    int
	workers      int
	adversarial  float64
	attack       string
	resume       bool
}

// apply copies every flag the user set onto cfg.
func (f *runFlags) apply(flags *pflag.FlagSet, cfg *Config) {
	set := func(name string, fn func()) {
		if flags.Changed(name) {
			fn()
		}
	}

	set("data", func() { cfg.DataPath = f.data })
	set("http", func() { cfg.HTTPAddress = f.http })
	set("key", func() { cfg.KeyPath = f.key })
	set("log-level", func() { cfg.LogLevel = f.logLevel })
	set("rounds", func() { cfg.Round.Rounds = f.rounds })
	set("duration", func() { cfg.Round.Duration = f.duration })
	set("seed", func() { cfg.Round.Seed = f.seed })
	set("agents", func() { cfg.Agents = f.agents })
	set("participants", func() { cfg.Population.Size = f.participants })
	set("dimension", func() { cfg.Aggregation.Dimension = f.dimension })
	set("workers", func() { cfg.Round.Workers = f.workers })
	set("adversarial-ratio", func() { cfg.Population.AdversarialRatio = f.adversarial })
	set("attack", func() { cfg.Population.AttackMode = f.attack })
	set("resume", func() { cfg.Resume = f.resume })
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation until its round or time limit, or until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f.config)
			if err != nil {
				return err
			}

			f.apply(cmd.Flags(), &cfg)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config:\n%w", err)
			}

			level, _ := logger.ParseLevel(cfg.LogLevel)
			logger.Setup(os.Stdout, level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sim, err := NewSim(cfg)
			if err != nil {
				return fmt.Errorf("create simulation:\n%w", err)
			}
			defer sim.Close()

			return sim.Run(ctx)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "YAML scenario file")
	fl.StringVar(&f.data, "data", "./data", "Data directory path")
	fl.StringVar(&f.http, "http", ":8080", "Query API address (empty disables)")
	fl.StringVar(&f.key, "key", "", "BLS key seed path (generates new if missing)")
	fl.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fl.Uint64Var(&f.rounds, "rounds", 100, "Round limit (0 = none)")
	fl.Float64Var(&f.duration, "duration", 0, "Simulated time limit in seconds (0 = none)")
	fl.Uint64Var(&f.seed, "seed", 1, "Random seed")
	fl.IntVar(&f.agents, "agents", 10, "Number of agents")
	fl.IntVar(&f.participants, "participants", 50, "Participant population size")
	fl.IntVar(&f.dimension, "dimension", 16, "Consensus dimension")
	fl.IntVar(&f.workers, "workers", 8, "Per-agent worker pool size")
	fl.Float64Var(&f.adversarial, "adversarial-ratio", 0.3, "Fraction of adversarial participants")
	fl.StringVar(&f.attack, "attack", "random", "Attack mode: random, sign-flip, additive-noise, zero")
	fl.BoolVar(&f.resume, "resume", false, "Resume from the latest checkpoint")

	return cmd
}

// checkpointSummary is the printed form of a checkpoint.
type checkpointSummary struct {
	RunID        string  `json:"run_id"`
	Round        uint64  `json:"round"`
	SimTime      float64 `json:"sim_time"`
	Dimension    int     `json:"dimension"`
	Participants int     `json:"participants"`
	Agents       int     `json:"agents"`
	Flagged      []int   `json:"flagged"`
	Checksum     string  `json:"checksum"`
	Signed       bool    `json:"signed"`
	Verified     bool    `json:"verified"`
}

func newCheckpointCmd() *cobra.Command {
	var (
		data  string
		key   string
		prune int
	)

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "List checkpoints in a data directory and show the latest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := defaultConfig()
			cfg.DataPath = data
			cfg.KeyPath = key

			store, closeFn, err := openCheckpoints(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if cmd.Flags().Changed("prune") {
				removed, err := store.Prune(prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d checkpoints\n", removed)
			}

			rounds, err := store.Rounds()
			if err != nil {
				return err
			}

			latest, ok, err := store.Latest()
			if err != nil {
				return err
			}

			out := map[string]any{"rounds": rounds}
			if ok {
				out["latest"] = summarize(latest, store.PublicKey() != nil)
			}

			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&data, "data", "./data", "Data directory path")
	cmd.Flags().StringVar(&key, "key", "", "BLS key seed path used to verify signatures")
	cmd.Flags().IntVar(&prune, "prune", 0, "Keep only the newest N checkpoints")

	return cmd
}

func summarize(r checkpoint.Record, verified bool) checkpointSummary {
	return checkpointSummary{
		RunID:        r.RunID,
		Round:        r.Round,
		SimTime:      r.SimTime,
		Dimension:    len(r.Consensus),
		Participants: len(r.Trust),
		Agents:       len(r.Agents),
		Flagged:      r.Flagged,
		Checksum:     hex.EncodeToString(r.Checksum[:]),
		Signed:       len(r.Signature) > 0,
		Verified:     verified,
	}
}

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.NewClient(addr)
			if err != nil {
				return err
			}

			st, err := c.Status()
			if err != nil {
				return err
			}

			rounds, err := c.Rounds(0, 1)
			if err != nil {
				return err
			}

			out := map[string]any{
				"status":            st,
				"total_flagged":     rounds.TotalFlagged,
				"total_violations":  rounds.TotalViolations,
				"degenerate_rounds": rounds.DegenerateRounds,
			}
			if len(rounds.Rounds) > 0 {
				out["last_round"] = rounds.Rounds[0]
			}

			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "Query API address")

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
