package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ctxd/internal/eventlog"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <seq>",
		Short: "Resolve an envelope's provenance chain",
		Long: `Resolve the committed evidence an envelope was derived from.
Evidence rotated past the horizon is reported as evicted; the citation
itself stays valid.

Example:
  ctxd trace --db ./ctxd.db 42`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid sequence", err)
			}
			return runTrace(opts, seq, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite event log (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// traceDoc is one resolved provenance reference in JSON output.
type traceDoc struct {
	Seq      int64        `json:"seq"`
	Evicted  bool         `json:"evicted"`
	Envelope *envelopeDoc `json:"envelope,omitempty"`
}

func runTrace(opts *TraceOptions, seq int64, cmd *cobra.Command) error {
	l, err := eventlog.Open(opts.Database, eventlog.Bounds{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	defer l.Close()

	evidence, err := l.Trace(cmd.Context(), seq)
	if err != nil {
		return WrapExitError(ExitFailure, "trace failed", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		docs := make([]traceDoc, len(evidence))
		for i, ev := range evidence {
			docs[i] = traceDoc{Seq: ev.Seq, Evicted: ev.Evicted}
			if ev.Env != nil {
				doc, err := newEnvelopeDoc(*ev.Env)
				if err != nil {
					return WrapExitError(ExitCommandError, "serialize envelope", err)
				}
				docs[i].Envelope = &doc
			}
		}
		return f.Success(docs)
	}

	if len(evidence) == 0 {
		fmt.Fprintf(f.Writer, "envelope %d cites no evidence\n", seq)
		return nil
	}
	for _, ev := range evidence {
		if ev.Evicted {
			fmt.Fprintf(f.Writer, "%d\t(evicted)\n", ev.Seq)
			continue
		}
		fmt.Fprintf(f.Writer, "%d\t%s\t%s\t%s\n", ev.Seq, ev.Env.ActorID, ev.Env.Kind, ev.Env.Layer)
	}
	return nil
}
