package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ctxd/internal/event"
	"ctxd/internal/eventlog"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	Database string
	From     int64
	Limit    int
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read committed envelopes from a sequence cursor",
		Long: `Read committed envelopes in sequence order, starting at --from.

A cursor below the rotation horizon fails with the oldest retained
sequence, so callers can resynchronize.

Example:
  ctxd read --db ./ctxd.db --from 1 --limit 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite event log (required)")
	cmd.Flags().Int64Var(&opts.From, "from", 1, "sequence to start reading at")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum envelopes to return")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runRead(opts *ReadOptions, cmd *cobra.Command) error {
	l, err := eventlog.Open(opts.Database, eventlog.Bounds{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	defer l.Close()

	envs, err := l.Read(cmd.Context(), opts.From, opts.Limit)
	if err != nil {
		if eventlog.IsCursorInvalidated(err) {
			return WrapExitError(ExitFailure, "cursor invalidated", err)
		}
		return WrapExitError(ExitCommandError, "read failed", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		docs := make([]envelopeDoc, len(envs))
		for i, env := range envs {
			doc, err := newEnvelopeDoc(env)
			if err != nil {
				return WrapExitError(ExitCommandError, "serialize envelope", err)
			}
			docs[i] = doc
		}
		return f.Success(docs)
	}

	for _, env := range envs {
		payload, err := event.MarshalCanonical(env.Payload)
		if err != nil {
			return WrapExitError(ExitCommandError, "serialize payload", err)
		}
		fmt.Fprintf(f.Writer, "%d\t%s\t%s\t%s/%s\t%s\t%s\n",
			env.Seq,
			env.RecordedAt.Format(time.RFC3339),
			env.ActorID,
			env.Source, env.Layer,
			env.Kind,
			payload,
		)
	}
	return nil
}

// envelopeDoc is the JSON shape read and trace emit per envelope.
type envelopeDoc struct {
	Seq         int64             `json:"seq"`
	OccurredAt  time.Time         `json:"occurred_at"`
	RecordedAt  time.Time         `json:"recorded_at"`
	SkewSuspect bool              `json:"skew_suspect,omitempty"`
	Actor       string            `json:"actor"`
	Source      event.Source      `json:"source"`
	Layer       event.Layer       `json:"layer"`
	Kind        string            `json:"kind"`
	Payload     json.RawMessage   `json:"payload"`
	Redactions  []event.Redaction `json:"redactions,omitempty"`
	Provenance  []int64           `json:"provenance,omitempty"`
}

func newEnvelopeDoc(env event.Envelope) (envelopeDoc, error) {
	payload, err := event.MarshalCanonical(env.Payload)
	if err != nil {
		return envelopeDoc{}, err
	}
	return envelopeDoc{
		Seq:         env.Seq,
		OccurredAt:  env.OccurredAt,
		RecordedAt:  env.RecordedAt,
		SkewSuspect: env.SkewSuspect,
		Actor:       env.ActorID,
		Source:      env.Source,
		Layer:       env.Layer,
		Kind:        env.Kind,
		Payload:     json.RawMessage(payload),
		Redactions:  env.Redactions,
		Provenance:  env.Provenance,
	}, nil
}
