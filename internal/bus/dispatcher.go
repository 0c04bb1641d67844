// Package bus serves object subtrees over D-Bus. A Dispatcher answers for
// every child of a prefix without enumerating them: each call is routed to
// whatever the injected Resolver produces for (node, interface).
package bus

import (
	"fmt"
	"slices"
	"sync"

	"github.com/agentic-research/knowledge-services/internal/metrics"
	"github.com/agentic-research/knowledge-services/internal/rpcerr"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Registrar is a connection that can host subtrees. *Mux implements it.
type Registrar interface {
	RegisterSubtree(prefix dbus.ObjectPath, vt SubtreeVTable) (uint32, error)
	UnregisterSubtree(id uint32) bool
}

// Resolver produces the skeleton serving iface on node.
type Resolver interface {
	Resolve(node, iface string) (*Skeleton, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(node, iface string) (*Skeleton, error)

func (f ResolverFunc) Resolve(node, iface string) (*Skeleton, error) { return f(node, iface) }

// Dispatcher is a SubtreeVTable advertising a fixed interface list on every
// child node and delegating calls to a Resolver.
type Dispatcher struct {
	infos    []InterfaceInfo
	resolver Resolver
	log      zerolog.Logger

	mu     sync.Mutex
	conn   Registrar
	id     uint32
	prefix string
}

var _ SubtreeVTable = (*Dispatcher)(nil)

// NewDispatcher advertises infos on every child node.
func NewDispatcher(infos []InterfaceInfo, r Resolver, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{infos: slices.Clone(infos), resolver: r, log: log}
}

// Register claims prefix on conn. Calling it again while registered does
// nothing.
func (d *Dispatcher) Register(conn Registrar, prefix string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	id, err := conn.RegisterSubtree(dbus.ObjectPath(prefix), d)
	if err != nil {
		return rpcerr.Wrap(rpcerr.RegistrationFailure, fmt.Errorf("register subtree %s: %w", prefix, err))
	}
	d.conn, d.id, d.prefix = conn, id, prefix
	d.log.Debug().Str("prefix", prefix).Msg("subtree registered")
	return nil
}

// Unregister releases the prefix. It is a no-op when not registered.
func (d *Dispatcher) Unregister() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unregisterLocked()
}

func (d *Dispatcher) unregisterLocked() {
	if d.conn == nil {
		return
	}
	if !d.conn.UnregisterSubtree(d.id) {
		d.log.Warn().Str("prefix", d.prefix).Uint32("id", d.id).Msg("subtree was already gone")
	}
	d.conn, d.id, d.prefix = nil, 0, ""
}

// Registered reports whether the dispatcher currently owns a prefix.
func (d *Dispatcher) Registered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// Close releases the dispatcher. Closing while still registered is a
// lifecycle mistake by the owner; the registration is dropped and logged.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.log.Warn().Str("prefix", d.prefix).Msg("dispatcher closed while still registered")
		d.unregisterLocked()
	}
}

// Enumerate implements SubtreeVTable. Children are never listed; any node
// name is dispatched on demand.
func (d *Dispatcher) Enumerate(string) []string { return nil }

// Introspect implements SubtreeVTable.
func (d *Dispatcher) Introspect(_, node string) []InterfaceInfo {
	if node == "" {
		return nil
	}
	return slices.Clone(d.infos)
}

// Dispatch implements SubtreeVTable.
func (d *Dispatcher) Dispatch(prefix, iface, node string) (dbus.Interface, bool) {
	sk, err := d.resolver.Resolve(node, iface)
	if err != nil || sk == nil {
		ev := d.log.Warn().Str("prefix", prefix).Str("node", node).Str("interface", iface)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("did not get a skeleton for node")
		metrics.DispatchTotal.WithLabelValues(d.label(iface), "no_skeleton").Inc()
		return nil, false
	}
	metrics.DispatchTotal.WithLabelValues(d.label(iface), "ok").Inc()
	return sk, true
}

// label bounds metric cardinality to the advertised interfaces.
func (d *Dispatcher) label(iface string) string {
	for _, info := range d.infos {
		if info.Name == iface {
			return iface
		}
	}
	return "other"
}
