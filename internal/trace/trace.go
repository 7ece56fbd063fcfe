// Package trace carries optional diagnostic hooks on a context.Context, the
// way the rest of this server's call chain observes itself. There is no
// structured logger: callers merge a *Hooks onto a context and the core
// invokes whichever fields are non-nil.
package trace

import (
	"context"
	"log"

	"github.com/imdario/mergo"
)

type contextKey struct{}

// Hooks is the set of optional diagnostic callbacks a caller may attach to a
// context. Every field is invoked at most once per occurrence; nil fields are
// skipped. SessionID identifies which worker the event belongs to since many
// sessions share one process.
type Hooks struct {
	SessionStart  func(sessionID uint32, remoteAddr string)
	SessionEnd    func(sessionID uint32, err error)
	HelloReceived func(sessionID uint32, accepted bool)
	FrameRead     func(sessionID uint32, n int, err error)
	FrameWritten  func(sessionID uint32, n int, err error)
	RPCReceived   func(sessionID uint32, op string)
	RPCReplied    func(sessionID uint32, op string, errTag string)
	LockChanged   func(sessionID uint32, locked bool)
}

// NoOp is a Hooks value whose fields are all non-nil no-ops, used as the
// merge target so FromContext never returns a value with nil fields.
var NoOp = &Hooks{
	SessionStart:  func(uint32, string) {},
	SessionEnd:    func(uint32, error) {},
	HelloReceived: func(uint32, bool) {},
	FrameRead:     func(uint32, int, error) {},
	FrameWritten:  func(uint32, int, error) {},
	RPCReceived:   func(uint32, string) {},
	RPCReplied:    func(uint32, string, string) {},
	LockChanged:   func(uint32, bool) {},
}

// Default logs session lifecycle and RPC errors via the standard logger; it
// is a reasonable set of hooks for a production binary that has not been
// given anything fancier.
var Default = &Hooks{
	SessionStart: func(id uint32, remoteAddr string) {
		log.Printf("netconf: session %d started from %s", id, remoteAddr)
	},
	SessionEnd: func(id uint32, err error) {
		if err != nil {
			log.Printf("netconf: session %d ended: %v", id, err)
		} else {
			log.Printf("netconf: session %d ended", id)
		}
	},
	RPCReplied: func(id uint32, op string, errTag string) {
		if errTag != "" {
			log.Printf("netconf: session %d rpc %s failed: %s", id, op, errTag)
		}
	},
}

// With returns a context carrying h, reachable later via FromContext.
func With(ctx context.Context, h *Hooks) context.Context {
	return context.WithValue(ctx, contextKey{}, h)
}

// FromContext returns the Hooks attached to ctx, with every field guaranteed
// non-nil: any field left nil by the caller is filled in from NoOp.
func FromContext(ctx context.Context) *Hooks {
	h, _ := ctx.Value(contextKey{}).(*Hooks)
	if h == nil {
		return NoOp
	}
	merged := *h
	_ = mergo.Merge(&merged, NoOp)
	return &merged
}
