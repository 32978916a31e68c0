// Package daemon wires the ingestion pipeline together: log,
// sequencer, gateway, adapters, sessions, views.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ctxd/internal/adapter"
	"ctxd/internal/config"
	"ctxd/internal/event"
	"ctxd/internal/eventlog"
	"ctxd/internal/gateway"
	"ctxd/internal/redact"
	"ctxd/internal/sequencer"
	"ctxd/internal/session"
	"ctxd/internal/view"
)

// builtinKinds are the capture vocabulary every daemon understands.
// Deployments extend the set through RegisterKind before Run.
var builtinKinds = map[string]string{
	"CommandStarted": `
argv: [...string]
cwd?: string
`,
	"CommandCompleted": `
argv: [...string]
exit_code: int
duration_ms?: int
`,
	"FileChanged": `
path: string
change: "created" | "modified" | "deleted"
`,
	"StateProbed": `
probe: string
result: {...}
`,
	"GitCommitObserved": `
branch: string
subject?: string
`,
	"Note": `
text: string
`,
}

// Daemon owns every component of one running instance.
type Daemon struct {
	cfg      config.Config
	log      *eventlog.Log
	seq      *sequencer.Sequencer
	gw       *gateway.Gateway
	schemas  *gateway.SchemaRegistry
	registry *adapter.Registry
	runner   *adapter.Runner
	sessions *session.Coordinator
	views    *view.Materializer
}

// New opens the log and builds the pipeline. Adapters are registered
// and their runner is wired, but nothing runs until Run.
func New(ctx context.Context, cfg config.Config, adapters ...adapter.Adapter) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := eventlog.Open(cfg.Database, eventlog.Bounds{
		MaxEvents: cfg.Log.MaxEvents,
		MaxBytes:  cfg.Log.MaxBytes,
	})
	if err != nil {
		return nil, err
	}

	seq, err := sequencer.New(ctx, log, sequencer.Options{QueueDepth: cfg.QueueDepth})
	if err != nil {
		log.Close()
		return nil, err
	}

	engine := redact.NewEngine(cfg.Redaction.EnvExclude, cfg.Redaction.CustomPatterns)
	if err := engine.ConfigError(); err != nil {
		// The daemon stays up for reads; submissions fail closed until
		// the pattern is fixed.
		slog.Warn("redaction engine poisoned, all submissions will be rejected", "error", err)
	}

	schemas := gateway.NewSchemaRegistry()
	for kind, src := range builtinKinds {
		if err := schemas.RegisterKind(kind, src); err != nil {
			log.Close()
			return nil, fmt.Errorf("daemon: %w", err)
		}
	}

	gw := gateway.New(schemas, engine, seq, gateway.Options{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		Policy:          sequencer.Backpressure(cfg.Backpressure),
	})

	registry := adapter.NewRegistry()
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			log.Close()
			return nil, err
		}
	}
	runner, err := adapter.NewRunner(ctx, registry, log, gw, adapter.RunnerOptions{})
	if err != nil {
		log.Close()
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		log:      log,
		seq:      seq,
		gw:       gw,
		schemas:  schemas,
		registry: registry,
		runner:   runner,
		sessions: session.New(gw, log, session.Options{
			FreshnessWindow: cfg.Session.FreshnessWindow.Std(),
		}),
		views: view.New(log, view.Budget{
			MaxEntries: cfg.View.MaxEntries,
			MaxBytes:   cfg.View.MaxBytes,
		}),
	}, nil
}

// RegisterKind adds a payload schema beyond the built-in vocabulary.
func (d *Daemon) RegisterKind(kind, schema string) error {
	return d.schemas.RegisterKind(kind, schema)
}

// Gateway returns the submission entry point.
func (d *Daemon) Gateway() *gateway.Gateway { return d.gw }

// Log returns the event log for read-side access.
func (d *Daemon) Log() *eventlog.Log { return d.log }

// Sequencer returns the commit pipeline, for pending-id resolution.
func (d *Daemon) Sequencer() *sequencer.Sequencer { return d.seq }

// Sessions returns the remote session coordinator.
func (d *Daemon) Sessions() *session.Coordinator { return d.sessions }

// Views returns the context view materializer.
func (d *Daemon) Views() *view.Materializer { return d.views }

// Capability resolves the capture capability for a tool.
func (d *Daemon) Capability(source event.Source, tool string) adapter.CapabilityLevel {
	return d.registry.Classify(source, tool)
}

// Run starts the committer and the adapter runner and blocks until ctx
// is cancelled or either loop fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("daemon starting",
		"database", d.cfg.Database,
		"queue_depth", d.cfg.QueueDepth,
		"kinds", len(d.schemas.Kinds()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	seqDone := make(chan error, 1)
	go func() { seqDone <- d.seq.Run(runCtx) }()

	runnerDone := make(chan error, 1)
	go func() { runnerDone <- d.runner.Run(runCtx) }()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-seqDone:
		seqDone = nil
	case err = <-runnerDone:
		runnerDone = nil
	}
	cancel()

	if seqDone != nil {
		select {
		case <-seqDone:
		case <-time.After(5 * time.Second):
			slog.Error("sequencer did not stop in time")
		}
	}
	if runnerDone != nil {
		<-runnerDone
	}

	slog.Info("daemon stopped")
	return err
}

// Close releases the log. Call after Run returns.
func (d *Daemon) Close() error {
	return d.log.Close()
}
