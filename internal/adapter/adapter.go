// Package adapter classifies capture capability per tool and runs the
// synthesizers that derive semantic events from committed evidence.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"ctxd/internal/event"
)

// CapabilityLevel ranks how much structure a capture path can extract
// for a given tool. Higher levels subsume lower ones.
type CapabilityLevel int

const (
	// CapabilityUnknown means no adapter claims the tool; raw capture only.
	CapabilityUnknown CapabilityLevel = iota
	// CapabilityInvocation sees that the tool ran (argv, exit code).
	CapabilityInvocation
	// CapabilityOutput can parse the tool's output streams.
	CapabilityOutput
	// CapabilityStateProbe can query the tool's external state directly.
	CapabilityStateProbe
	// CapabilitySemantic can synthesize meaning from lower-level evidence.
	CapabilitySemantic
)

// String implements fmt.Stringer.
func (c CapabilityLevel) String() string {
	switch c {
	case CapabilityUnknown:
		return "unknown"
	case CapabilityInvocation:
		return "invocation"
	case CapabilityOutput:
		return "output"
	case CapabilityStateProbe:
		return "state_probe"
	case CapabilitySemantic:
		return "semantic"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// LogReader is the read-only slice of the log an adapter synthesizes
// from. Adapters never append directly; their output goes back through
// the gateway.
type LogReader interface {
	Read(ctx context.Context, from int64, limit int) ([]event.Envelope, error)
	LatestSequence(ctx context.Context) (int64, error)
}

// Adapter recognizes tools and synthesizes higher-layer submissions
// from committed envelopes.
type Adapter interface {
	// Name identifies the adapter in logs and provenance audits.
	Name() string
	// Classify reports the capability level this adapter claims for a
	// tool observed on a capture path. CapabilityUnknown means no claim.
	Classify(source event.Source, tool string) CapabilityLevel
	// Synthesize derives new submissions from a batch of committed
	// envelopes. Every returned submission must cite its evidence in
	// Provenance.
	Synthesize(ctx context.Context, batch []event.Envelope) ([]event.Submission, error)
}

// Registry holds the installed adapters in registration order.
// Registration happens at startup; reads are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	byName   map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Adapter)}
}

// Register installs an adapter. Duplicate names fail.
func (r *Registry) Register(a Adapter) error {
	if a.Name() == "" {
		return fmt.Errorf("adapter: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[a.Name()]; exists {
		return fmt.Errorf("adapter: %q already registered", a.Name())
	}
	r.adapters = append(r.adapters, a)
	r.byName[a.Name()] = a
	return nil
}

// Classify resolves the capability level for a tool on a capture path:
// the highest level any installed adapter claims, CapabilityUnknown
// when none do.
func (r *Registry) Classify(source event.Source, tool string) CapabilityLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := CapabilityUnknown
	for _, a := range r.adapters {
		if level := a.Classify(source, tool); level > best {
			best = level
		}
	}
	return best
}

// Adapters returns the installed adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Adapter(nil), r.adapters...)
}
