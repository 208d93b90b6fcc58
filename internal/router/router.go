// Package router implements the stateless route-decision contract:
// (channel, service_address) -> (tenant_id, employee_id) with wildcard
// and default fallbacks.
package router

import (
	"strings"
	"sync"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// RouteDecision is either a resolved route or NoRoute.
type RouteDecision struct {
	TenantID   string
	EmployeeID string
	Resolved   bool
}

// NoRoute is the zero-value decision returned when no rule matches.
var NoRoute = RouteDecision{}

type routeKey struct {
	channel envelope.Channel
	address string
}

// Snapshot is an immutable routing configuration: exact rules, per-channel
// wildcards, and a global default. Constructed from the employee registry
// config.
type Snapshot struct {
	exact          map[routeKey]RouteDecision
	channelDefault map[envelope.Channel]RouteDecision
	globalDefault  RouteDecision
	hasGlobal      bool
}

// NewSnapshot builds a routing snapshot from raw config rules.
func NewSnapshot(rules []Rule, globalDefault *RouteDecision) *Snapshot {
	s := &Snapshot{
		exact:          make(map[routeKey]RouteDecision),
		channelDefault: make(map[envelope.Channel]RouteDecision),
	}
	for _, r := range rules {
		addr := normalizeAddress(r.Channel, r.ServiceAddress)
		dec := RouteDecision{TenantID: r.TenantID, EmployeeID: r.EmployeeID, Resolved: true}
		if addr == "*" {
			s.channelDefault[r.Channel] = dec
			continue
		}
		s.exact[routeKey{channel: r.Channel, address: addr}] = dec
	}
	if globalDefault != nil {
		s.globalDefault = *globalDefault
		s.hasGlobal = true
	}
	return s
}

// Rule is one routing configuration entry: (channel, key) -> employee_id,
// or (channel, "*") for a per-channel wildcard.
type Rule struct {
	Channel        envelope.Channel
	ServiceAddress string
	TenantID       string
	EmployeeID     string
}

// Router resolves an InboundMessage to a RouteDecision against the current
// Snapshot. Safe for concurrent use; Swap atomically replaces the snapshot
// so routing is always evaluated against one consistent configuration.
type Router struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewRouter creates a Router with an initial snapshot.
func NewRouter(initial *Snapshot) *Router {
	return &Router{snap: initial}
}

// Swap atomically replaces the active snapshot (used on config hot-reload).
func (r *Router) Swap(s *Snapshot) {
	r.mu.Lock()
	r.snap = s
	r.mu.Unlock()
}

// Route implements the routing algorithm:
//  1. exact match on (channel, normalized service_address)
//  2. wildcard rule (channel, "*")
//  3. channel default
//  4. global default
//  5. otherwise NoRoute
func (r *Router) Route(msg envelope.InboundMessage) RouteDecision {
	r.mu.RLock()
	s := r.snap
	r.mu.RUnlock()
	if s == nil {
		return NoRoute
	}

	addr := normalizeAddress(msg.Channel, msg.ServiceAddress)
	if dec, ok := s.exact[routeKey{channel: msg.Channel, address: addr}]; ok {
		return dec
	}
	if dec, ok := s.channelDefault[msg.Channel]; ok {
		return dec
	}
	if s.hasGlobal {
		return s.globalDefault
	}
	return NoRoute
}

func normalizeAddress(channel envelope.Channel, addr string) string {
	switch channel {
	case envelope.ChannelEmail:
		return strings.ToLower(strings.TrimSpace(addr))
	case envelope.ChannelSlack, envelope.ChannelDiscord:
		return strings.ToUpper(strings.TrimSpace(addr))
	default:
		return strings.TrimSpace(addr)
	}
}
