package event

import "time"

// Source identifies which capture path produced an event.
type Source string

const (
	SourceShellHook   Source = "shell_hook"
	SourceToolWrapper Source = "tool_wrapper"
	SourcePtyFallback Source = "pty_fallback"
	SourceAdapter     Source = "adapter"
	SourceRemote      Source = "remote"
)

// ValidSources defines the allowed source values.
var ValidSources = map[Source]bool{
	SourceShellHook:   true,
	SourceToolWrapper: true,
	SourcePtyFallback: true,
	SourceAdapter:     true,
	SourceRemote:      true,
}

// Layer ranks an event by how much interpretation it carries.
type Layer string

const (
	// LayerPrimitive is raw captured evidence (a command line, an exit code).
	LayerPrimitive Layer = "primitive"
	// LayerStateProbe captures external state at a point in time.
	LayerStateProbe Layer = "state_probe"
	// LayerSemantic is synthesized meaning derived from lower layers.
	LayerSemantic Layer = "semantic"
)

// ValidLayers defines the allowed layer values.
var ValidLayers = map[Layer]bool{
	LayerPrimitive:  true,
	LayerStateProbe: true,
	LayerSemantic:   true,
}

// Redaction records that a rule matched, without the matched content.
type Redaction struct {
	RuleID string `json:"rule_id"`
	Count  int    `json:"count"`
}

// Submission is the raw record a producer sends to the gateway.
// Payload is unredacted at this point and must never be persisted or
// logged as-is.
type Submission struct {
	OccurredAt time.Time
	ActorID    string
	Source     Source
	Layer      Layer
	Kind       string
	Payload    Object
	// Provenance lists the committed sequences this submission was
	// derived from. Required for semantic and state-probe layers
	// submitted by adapters, empty otherwise.
	Provenance []int64

	// Redactions is filled by the gateway after the payload has been
	// scrubbed. Producers leave it empty.
	Redactions []Redaction
}

// Envelope is one immutable, committed unit of the event log.
// Created exactly once by the sequencer; destroyed only by rotation.
type Envelope struct {
	// Seq is assigned by the sequencer. Strictly increasing, gap-free
	// within a daemon lifetime, never reused across rotation or restart.
	Seq int64

	// PendingID is the gateway-issued submission id. It doubles as the
	// idempotency key for commit retries: re-appending after a partial
	// persistence failure can never produce a duplicate envelope.
	PendingID string

	OccurredAt time.Time
	RecordedAt time.Time
	// SkewSuspect is set when RecordedAt < OccurredAt: the producer's
	// clock runs ahead of the daemon's.
	SkewSuspect bool

	ActorID string
	Source  Source
	Layer   Layer
	Kind    string

	// Payload has already been redacted. PayloadBytes is the canonical
	// JSON length, used for rotation byte accounting.
	Payload      Object
	PayloadBytes int64

	Redactions []Redaction

	// Provenance cites the sequences of the envelopes this one was
	// derived from. Every cited sequence is strictly smaller than Seq,
	// which makes provenance cycles impossible by construction.
	Provenance []int64
}
