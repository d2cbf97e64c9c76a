// Package plugin implements the typed-message dispatcher (spec §4.5): a
// type -> handler registry where internal subsystems (topology, time sync,
// bridge coordination) register handlers for the type codes they own and
// the application handler receives every plugin-range (100+) type that
// has no registered handler. It generalizes the teacher's gossip
// message-type switch (simple_gossip.go's single big type switch) into an
// explicit registry so each subsystem registers its own handlers instead
// of one function knowing about all of them.
package plugin

import (
	"github.com/Alteriom/meshnet/internal/logging"
	"github.com/Alteriom/meshnet/internal/router"
	"github.com/Alteriom/meshnet/internal/wire"
)

// Handler processes one envelope and reports whether it consumed the
// message (true) or the dispatcher should continue with default
// forwarding behavior (false), per spec §4.5.
type Handler func(from wire.NodeID, e wire.Envelope) bool

// Dispatcher holds the type->handler registry and the default
// application-type forwarding behavior.
type Dispatcher struct {
	self     wire.NodeID
	router   *router.Router
	handlers map[uint16]Handler
	appFn    func(from wire.NodeID, e wire.Envelope)
}

// New builds a Dispatcher. appFn is invoked for every plugin-range type
// (100+, see wire.IsPluginType) with no registered internal handler,
// before default forwarding is considered.
func New(self wire.NodeID, r *router.Router, appFn func(from wire.NodeID, e wire.Envelope)) *Dispatcher {
	return &Dispatcher{
		self:     self,
		router:   r,
		handlers: make(map[uint16]Handler),
		appFn:    appFn,
	}
}

// Register installs the handler for an internal type code (spec §4.5's
// HANDSHAKE/NODE_SYNC/TIME_SYNC/bridge registrations). Registering the
// same type twice replaces the previous handler.
func (d *Dispatcher) Register(typ uint16, h Handler) {
	d.handlers[typ] = h
}

// Dispatch routes one inbound envelope to its registered handler, or (for
// application types) to appFn, then applies the default broadcast
// forwarding rule: a BROADCAST envelope not already seen within the dedup
// window is forwarded to every other neighbor (spec §4.4/§4.5).
//
// A BROADCAST envelope's (from, msgID) is checked against the dedup LRU
// before any handler runs: a duplicate is suppressed outright, never
// delivered a second time, matching the "at most once within the dedup
// window" testable property (spec §8).
//
// A SINGLE envelope addressed to another node is not delivered locally; it
// is handed back to the router's SendSingle toward its dest.
func (d *Dispatcher) Dispatch(from wire.NodeID, e wire.Envelope) {
	if e.Routing == wire.RoutingBroadcast && d.router.SeenRecently(e.From, e.MsgID) {
		return
	}
	if e.Routing == wire.RoutingSingle && e.Dest != wire.BroadcastDest && e.Dest != d.self {
		if err := d.router.SendSingle(e.Dest, e, wire.Normal); err != nil {
			logging.Cat(logging.LevelWarn, logging.CatCommunication, "single forward of (%d,%d) to %d failed: %v", e.From, e.MsgID, e.Dest, err)
		}
		return
	}

	if h, ok := d.handlers[e.Type]; ok {
		if h(from, e) {
			return
		}
	} else if wire.IsPluginType(e.Type) {
		if d.appFn != nil {
			d.appFn(from, e)
		}
	} else {
		logging.Cat(logging.LevelWarn, logging.CatMsgTypes, "unknown internal type %d from %d, forwarding if broadcast", e.Type, e.From)
	}

	if e.Routing != wire.RoutingBroadcast {
		return
	}
	if err := d.router.SendBroadcast(e, from); err != nil {
		logging.Cat(logging.LevelWarn, logging.CatCommunication, "broadcast forward of (%d,%d) failed: %v", e.From, e.MsgID, err)
	}
}
