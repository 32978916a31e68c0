package cli

import (
	"github.com/spf13/cobra"

	"ctxd/internal/eventlog"
)

// LatestOptions holds flags for the latest command.
type LatestOptions struct {
	*RootOptions
	Database string
}

// NewLatestCommand creates the latest command.
func NewLatestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LatestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "latest",
		Short:         "Print the latest committed sequence and the rotation horizon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLatest(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite event log (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runLatest(opts *LatestOptions, cmd *cobra.Command) error {
	l, err := eventlog.Open(opts.Database, eventlog.Bounds{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	defer l.Close()

	ctx := cmd.Context()
	latest, err := l.LatestSequence(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "query failed", err)
	}
	oldest, err := l.OldestRetained(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "query failed", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return f.Success(map[string]int64{
		"latest":          latest,
		"oldest_retained": oldest,
	})
}
