package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/hcsagent/internal/config"
	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/state"
)

// StateOptions holds flags for the state commands.
type StateOptions struct {
	*RootOptions
	Database string
	Driver   string
}

// NewStateCommand creates the state command group, which prints projections
// of a persisted agent store without starting an agent.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect a persisted agent store",
		Long: `Inspect the connections and proposals recorded in an agent store.

Example:
  hcsagent state connections --db ./hcsagent.db
  hcsagent state executed --db ./state.bolt --driver bolt --format json`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the state store (required)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", config.StoreSQLite, "store driver (sqlite|bolt)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(
		stateSubcommand(opts, "connections", "List established connections", printConnections),
		stateSubcommand(opts, "pending", "List proposals awaiting approval", printPending),
		stateSubcommand(opts, "executed", "List executed rebalances", printExecuted),
		stateSubcommand(opts, "cursors", "List the last processed sequence number per topic", printCursors),
	)
	return cmd
}

func stateSubcommand(opts *StateOptions, use, short string, render func(*OutputFormatter, state.Snapshot) error) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return render(opts.formatter(cmd), snap)
		},
	}
}

func loadSnapshot(ctx context.Context, opts *StateOptions) (state.Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(opts.Database); err != nil {
		return state.Snapshot{}, WrapExitError(ExitCommandError, "state store not found", err)
	}
	st, err := openStore(config.StoreConfig{Driver: opts.Driver, Path: opts.Database})
	if err != nil {
		return state.Snapshot{}, WrapExitError(ExitCommandError, "failed to open state store", err)
	}
	defer st.Close()

	snap, err := st.Load(ctx)
	if err != nil {
		return state.Snapshot{}, WrapExitError(ExitCommandError, "failed to load state", err)
	}
	return snap, nil
}

func printConnections(f *OutputFormatter, snap state.Snapshot) error {
	rows := make([][]string, 0, len(snap.Connections))
	for _, c := range snap.Connections {
		rows = append(rows, []string{c.ID, c.PeerTopicID, c.PeerAccountID, formatTime(c.CreatedAt)})
	}
	return f.Table(snap.Connections, []string{"ID", "PEER TOPIC", "PEER ACCOUNT", "CREATED"}, rows)
}

func printPending(f *OutputFormatter, snap state.Snapshot) error {
	rows := make([][]string, 0, len(snap.Pending))
	for _, p := range snap.Pending {
		rows = append(rows, []string{p.ID, formatWeights(p.Payload.NewWeights), formatTime(p.ReceivedAt)})
	}
	return f.Table(snap.Pending, []string{"PROPOSAL", "WEIGHTS", "RECEIVED"}, rows)
}

func printExecuted(f *OutputFormatter, snap state.Snapshot) error {
	rows := make([][]string, 0, len(snap.Executed))
	for _, e := range snap.Executed {
		rows = append(rows, []string{
			e.ProposalID, e.ID,
			formatBalances(e.PreBalances), formatBalances(e.PostBalances),
			formatTime(e.ExecutedAt),
		})
	}
	return f.Table(snap.Executed, []string{"PROPOSAL", "EXECUTION", "PRE", "POST", "EXECUTED"}, rows)
}

func printCursors(f *OutputFormatter, snap state.Snapshot) error {
	topics := make([]string, 0, len(snap.Cursors))
	for topic := range snap.Cursors {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	rows := make([][]string, 0, len(topics))
	for _, topic := range topics {
		rows = append(rows, []string{topic, fmt.Sprint(snap.Cursors[topic])})
	}
	return f.Table(snap.Cursors, []string{"TOPIC", "SEQ"}, rows)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatBalances(b ledger.Balances) string {
	parts := make([]string, 0, len(b))
	for _, asset := range b.Assets() {
		parts = append(parts, fmt.Sprintf("%s=%d", asset, b[asset]))
	}
	return strings.Join(parts, ",")
}

func formatWeights(w map[string]float64) string {
	assets := make([]string, 0, len(w))
	for asset := range w {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	parts := make([]string, 0, len(assets))
	for _, asset := range assets {
		parts = append(parts, fmt.Sprintf("%s=%g", asset, w[asset]))
	}
	return strings.Join(parts, ",")
}
