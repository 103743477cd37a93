// ABOUTME: Capability negotiation table of room and join strategies
// ABOUTME: Filters candidates by platform capabilities and preferences, ordered by priority
package strategy

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

// Kind separates room-forming strategies from join strategies
type Kind int

const (
	KindRoom Kind = iota
	KindJoin
)

func (k Kind) String() string {
	if k == KindJoin {
		return "join"
	}
	return "room"
}

// Preferences are the caller-controlled inputs to negotiation
type Preferences struct {
	PreferAware bool
}

// Predicate decides whether a strategy is eligible on a platform
type Predicate func(platform.Capabilities, Preferences) bool

// Entry is one row of the negotiation table
type Entry struct {
	Kind     Kind
	Priority int
	Eligible Predicate
	Strategy Strategy
}

// Options tune the built-in strategies
type Options struct {
	Clock            clock.Clock
	JoinPollInterval time.Duration
	JoinDeadline     time.Duration
	BrokerPort       int
}

// Defaults for Options
const (
	DefaultJoinPollInterval = 500 * time.Millisecond
	DefaultJoinDeadline     = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.JoinPollInterval <= 0 {
		o.JoinPollInterval = DefaultJoinPollInterval
	}
	if o.JoinDeadline <= 0 {
		o.JoinDeadline = DefaultJoinDeadline
	}
	if o.BrokerPort <= 0 {
		o.BrokerPort = protocol.DefaultBrokerPort
	}
	return o
}

// Registry is the ordered negotiation table
type Registry struct {
	entries []Entry
}

// NewRegistry returns an empty table
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry builds the standard table over p:
// room strategies aware, hotspot, legacyHotspot and join strategies
// networkSuggestion, legacy. Strategies whose collaborator is nil never qualify.
func DefaultRegistry(p platform.Platform, opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	log := logger.Named("strategy")

	r := NewRegistry()
	if p.PeerToPeer != nil {
		r.Register(Entry{
			Kind:     KindRoom,
			Priority: 10,
			Eligible: func(c platform.Capabilities, pref Preferences) bool {
				return c.PeerToPeer && pref.PreferAware
			},
			Strategy: &Aware{p2p: p.PeerToPeer, net: p.Network, port: opts.BrokerPort, log: log},
		})
	}
	if p.Hotspot != nil {
		r.Register(Entry{
			Kind:     KindRoom,
			Priority: 20,
			Eligible: func(c platform.Capabilities, _ Preferences) bool { return c.LocalHotspot },
			Strategy: &Hotspot{hotspot: p.Hotspot, net: p.Network, port: opts.BrokerPort, log: log},
		})
	}
	r.Register(Entry{
		Kind:     KindRoom,
		Priority: 30,
		Eligible: func(c platform.Capabilities, _ Preferences) bool { return c.LegacyHotspot },
		Strategy: LegacyHotspot{},
	})
	if p.WiFi != nil {
		r.Register(Entry{
			Kind:     KindJoin,
			Priority: 10,
			Eligible: func(c platform.Capabilities, _ Preferences) bool { return c.NetworkSuggestions },
			Strategy: &Suggestion{wifi: p.WiFi, log: log},
		})
		r.Register(Entry{
			Kind:     KindJoin,
			Priority: 20,
			Eligible: func(c platform.Capabilities, _ Preferences) bool { return c.LegacyJoin },
			Strategy: &LegacyJoin{
				wifi:     p.WiFi,
				clock:    opts.Clock,
				interval: opts.JoinPollInterval,
				deadline: opts.JoinDeadline,
				log:      log,
			},
		})
	}
	return r
}

// Register adds an entry; entries of equal priority keep insertion order
func (r *Registry) Register(e Entry) {
	r.entries = append(r.entries, e)
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].Priority < r.entries[j].Priority
	})
}

// Candidates returns the eligible strategies of kind in priority order
func (r *Registry) Candidates(kind Kind, caps platform.Capabilities, pref Preferences) []Strategy {
	var out []Strategy
	for _, e := range r.entries {
		if e.Kind != kind {
			continue
		}
		if e.Eligible != nil && !e.Eligible(caps, pref) {
			continue
		}
		out = append(out, e.Strategy)
	}
	return out
}

// Methods lists the method names of Candidates
func (r *Registry) Methods(kind Kind, caps platform.Capabilities, pref Preferences) []string {
	cands := r.Candidates(kind, caps, pref)
	out := make([]string, 0, len(cands))
	for _, s := range cands {
		out = append(out, s.Method())
	}
	return out
}
