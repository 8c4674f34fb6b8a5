package main

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"FleetGuard/internal/checkpoint"
)

var errStatesDiffer = errors.New("checkpoints differ")

// stateDiff lists the parts of two checkpoints that do not match.
// Run ids and signatures are ignored: two replays of one seed share neither.
type stateDiff struct {
	Round     bool
	SimTime   bool
	Consensus []int // differing coordinates
	Trust     []int // differing participants
	Agents    []int // differing agent ids
	Flagged   bool
}

func (d stateDiff) empty() bool {
	return !d.Round && !d.SimTime && len(d.Consensus) == 0 && len(d.Trust) == 0 &&
		len(d.Agents) == 0 && !d.Flagged
}

// compareRecords diffs two checkpoints field by field.
func compareRecords(a, b checkpoint.Record) stateDiff {
	d := stateDiff{
		Round:     a.Round != b.Round,
		SimTime:   a.SimTime != b.SimTime,
		Consensus: diffFloats(a.Consensus, b.Consensus),
		Trust:     diffFloats(a.Trust, b.Trust),
		Flagged:   !slices.Equal(a.Flagged, b.Flagged),
	}

	agentsB := make(map[int]int, len(b.Agents))
	for i, st := range b.Agents {
		agentsB[st.ID] = i
	}

	seen := make(map[int]bool, len(a.Agents))
	for _, st := range a.Agents {
		seen[st.ID] = true

		j, ok := agentsB[st.ID]
		if !ok || b.Agents[j] != st {
			d.Agents = append(d.Agents, st.ID)
		}
	}

	for _, st := range b.Agents {
		if !seen[st.ID] {
			d.Agents = append(d.Agents, st.ID)
		}
	}

	slices.Sort(d.Agents)

	return d
}

// diffFloats returns the indexes where a and b differ, including the tail of
// the longer slice.
func diffFloats(a, b []float64) []int {
	var out []int

	for i := range max(len(a), len(b)) {
		if i >= len(a) || i >= len(b) || a[i] != b[i] {
			out = append(out, i)
		}
	}

	return out
}

func printDiff(w io.Writer, a, b checkpoint.Record, d stateDiff) {
	if d.Round {
		fmt.Fprintf(w, "  - round: %d vs %d\n", a.Round, b.Round)
	}

	if d.SimTime {
		fmt.Fprintf(w, "  - sim time: %g vs %g\n", a.SimTime, b.SimTime)
	}

	if len(d.Consensus) > 0 {
		fmt.Fprintf(w, "  - consensus coordinates: %v\n", d.Consensus)
	}

	if len(d.Trust) > 0 {
		fmt.Fprintf(w, "  - trust scores: %v\n", d.Trust)
	}

	if len(d.Agents) > 0 {
		fmt.Fprintf(w, "  - agents: %v\n", d.Agents)
	}

	if d.Flagged {
		fmt.Fprintf(w, "  - flagged: %v vs %v\n", a.Flagged, b.Flagged)
	}
}

// loadCheckpoint reads the given round, or the latest when round is zero.
func loadCheckpoint(dataPath string, round uint64) (checkpoint.Record, error) {
	cfg := defaultConfig()
	cfg.DataPath = dataPath

	store, closeFn, err := openCheckpoints(cfg)
	if err != nil {
		return checkpoint.Record{}, err
	}
	defer closeFn()

	if round > 0 {
		return store.Load(round)
	}

	rec, ok, err := store.Latest()
	if err != nil {
		return checkpoint.Record{}, err
	}

	if !ok {
		return checkpoint.Record{}, fmt.Errorf("%s: %w", dataPath, checkpoint.ErrNotFound)
	}

	return rec, nil
}

func newCompareCmd() *cobra.Command {
	var round uint64

	cmd := &cobra.Command{
		Use:   "compare <data-a> <data-b>",
		Short: "Compare checkpoints of two runs, e.g. to confirm a replay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadCheckpoint(args[0], round)
			if err != nil {
				return fmt.Errorf("load %s:\n%w", args[0], err)
			}

			b, err := loadCheckpoint(args[1], round)
			if err != nil {
				return fmt.Errorf("load %s:\n%w", args[1], err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "A (%s): round %d, run %s\n", args[0], a.Round, a.RunID)
			fmt.Fprintf(out, "B (%s): round %d, run %s\n", args[1], b.Round, b.RunID)

			d := compareRecords(a, b)
			if d.empty() {
				fmt.Fprintln(out, "states are identical")
				return nil
			}

			fmt.Fprintln(out, "states differ:")
			printDiff(out, a, b, d)

			return errStatesDiffer
		},
	}

	cmd.Flags().Uint64Var(&round, "round", 0, "Round to compare (0 = latest in each)")

	return cmd
}
