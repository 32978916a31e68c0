package cli

import (
	"github.com/spf13/cobra"

	"ctxd/internal/eventlog"
	"ctxd/internal/view"
)

// ViewOptions holds flags for the view command.
type ViewOptions struct {
	*RootOptions
	Database   string
	UpTo       int64
	MaxEntries int
	MaxBytes   int64
}

// NewViewCommand creates the view command.
func NewViewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ViewOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Materialize the bounded context view",
		Long: `Materialize the context view over the retained log prefix and
print it as canonical JSON. Identical log prefixes always render
byte-identically.

Example:
  ctxd view --db ./ctxd.db
  ctxd view --db ./ctxd.db --up-to 500 --max-entries 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite event log (required)")
	cmd.Flags().Int64Var(&opts.UpTo, "up-to", 0, "highest sequence to include (0 = latest)")
	cmd.Flags().IntVar(&opts.MaxEntries, "max-entries", 200, "entry budget")
	cmd.Flags().Int64Var(&opts.MaxBytes, "max-bytes", 64*1024, "payload byte budget")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runView(opts *ViewOptions, cmd *cobra.Command) error {
	l, err := eventlog.Open(opts.Database, eventlog.Bounds{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	defer l.Close()

	m := view.New(l, view.Budget{MaxEntries: opts.MaxEntries, MaxBytes: opts.MaxBytes})
	v, err := m.Materialize(cmd.Context(), opts.UpTo)
	if err != nil {
		return WrapExitError(ExitCommandError, "materialize failed", err)
	}

	data, err := v.RenderCanonical()
	if err != nil {
		return WrapExitError(ExitCommandError, "render failed", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return f.Raw(data)
}
