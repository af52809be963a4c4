// Package events provides the lifecycle hooks fired while a service is deployed.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/depker/depker/domain"
	"github.com/depker/depker/logging"
)

// Kind identifies a lifecycle event
type Kind int

const (
	PreBuild Kind = iota + 1
	PostBuild
	PreStart
	PostStart
	Purge
	Teardown
	Success
	Failure
)

func (k Kind) String() string {
	switch k {
	case PreBuild:
		return "pre-build"
	case PostBuild:
		return "post-build"
	case PreStart:
		return "pre-start"
	case PostStart:
		return "post-start"
	case Purge:
		return "purge"
	case Teardown:
		return "teardown"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Kinds lists every event in lifecycle order
func Kinds() []Kind {
	return []Kind{PreBuild, PostBuild, PreStart, PostStart, Purge, Teardown, Success, Failure}
}

// Payload is handed to every handler. Container and Image are empty until known.
type Payload struct {
	Service   *domain.Service
	Deploy    *domain.Deploy
	Container string
	Image     string
}

type Handler func(ctx context.Context, payload Payload) error

type registration struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus runs handlers sequentially in registration order and stops at the first error
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	handlers map[Kind][]registration
	logger   *slog.Logger
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Kind][]registration),
		logger:   logging.Layer("events"),
	}
}

// On registers a handler that runs on every emission of kind
func (b *Bus) On(kind Kind, handler Handler) {
	b.add(kind, handler, false)
}

// Once registers a handler that is removed after its first run
func (b *Bus) Once(kind Kind, handler Handler) {
	b.add(kind, handler, true)
}

// Off drops every handler registered for kind
func (b *Bus) Off(kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, kind)
}

func (b *Bus) add(kind Kind, handler Handler, once bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.handlers[kind] = append(b.handlers[kind], registration{id: b.seq, handler: handler, once: once})
}

// take snapshots the handlers for kind and removes the once handlers from the registry
func (b *Bus) take(kind Kind) []registration {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[kind]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)

	kept := regs[:0:0]
	for _, r := range regs {
		if !r.once {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(b.handlers, kind)
	} else {
		b.handlers[kind] = kept
	}
	return snapshot
}

// Emit awaits each handler in turn. The first failure is returned wrapped with the event kind.
func (b *Bus) Emit(ctx context.Context, kind Kind, payload Payload) error {
	for _, r := range b.take(kind) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s hook: %w", kind, err)
		}
		if err := r.handler(ctx, payload); err != nil {
			b.logger.Warn("Hook failed",
				"operation", "Emit",
				"event", kind.String(),
				"service", serviceName(payload),
				"error", err)
			return fmt.Errorf("%s hook: %w", kind, err)
		}
	}
	return nil
}

// Count returns the number of handlers registered for kind
func (b *Bus) Count(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[kind])
}

func serviceName(p Payload) string {
	if p.Service != nil {
		return p.Service.Name
	}
	if p.Deploy != nil {
		return p.Deploy.ServiceName
	}
	return ""
}
