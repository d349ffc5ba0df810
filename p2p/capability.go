package p2p

import (
	"sort"
	"strconv"
	"strings"
)

// Capability is a protocol feature a peer may support. Values are wire
// identifiers and must never be renumbered.
type Capability int

const (
	CapTradeStatistics Capability = iota
	CapAckMessage
	CapSeedNode
	CapDAOFullNode
	CapProposal
	CapBlindVote
	CapDAOState
	CapBundleOfEnvelopes
	CapSignedAccountAgeWitness
	CapMediation
	CapRefundAgent
	CapTradeStatistics3
	CapNoAddressPreFix
	CapTradeStatisticsHashUpdate
)

var capabilityNames = map[Capability]string{
	CapTradeStatistics:           "TRADE_STATISTICS",
	CapAckMessage:                "ACK_MSG",
	CapSeedNode:                  "SEED_NODE",
	CapDAOFullNode:               "DAO_FULL_NODE",
	CapProposal:                  "PROPOSAL",
	CapBlindVote:                 "BLIND_VOTE",
	CapDAOState:                  "DAO_STATE",
	CapBundleOfEnvelopes:         "BUNDLE_OF_ENVELOPES",
	CapSignedAccountAgeWitness:   "SIGNED_ACCOUNT_AGE_WITNESS",
	CapMediation:                 "MEDIATION",
	CapRefundAgent:               "REFUND_AGENT",
	CapTradeStatistics3:          "TRADE_STATISTICS_3",
	CapNoAddressPreFix:           "NO_ADDRESS_PRE_FIX",
	CapTradeStatisticsHashUpdate: "TRADE_STATISTICS_HASH_UPDATE",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return "CAPABILITY_" + strconv.Itoa(int(c))
}

// ParseCapability resolves a capability by its name.
func ParseCapability(name string) (Capability, bool) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for c, n := range capabilityNames {
		if n == want {
			return c, true
		}
	}
	return 0, false
}

// Capabilities is a sorted set of capabilities. The zero value is the empty
// set. Values are never mutated in place; operations return new sets.
type Capabilities []Capability

// NewCapabilities builds a normalized set.
func NewCapabilities(caps ...Capability) Capabilities {
	if len(caps) == 0 {
		return nil
	}
	seen := make(map[Capability]struct{}, len(caps))
	out := make(Capabilities, 0, len(caps))
	for _, c := range caps {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultCapabilities is what a regular node announces.
func DefaultCapabilities() Capabilities {
	return NewCapabilities(
		CapTradeStatistics,
		CapAckMessage,
		CapProposal,
		CapBlindVote,
		CapDAOState,
		CapBundleOfEnvelopes,
		CapSignedAccountAgeWitness,
		CapMediation,
		CapRefundAgent,
		CapTradeStatistics3,
		CapNoAddressPreFix,
		CapTradeStatisticsHashUpdate,
	)
}

func (c Capabilities) IsEmpty() bool { return len(c) == 0 }

func (c Capabilities) Contains(capability Capability) bool {
	i := sort.Search(len(c), func(i int) bool { return c[i] >= capability })
	return i < len(c) && c[i] == capability
}

// ContainsAll reports whether every capability in required is present.
func (c Capabilities) ContainsAll(required Capabilities) bool {
	for _, r := range required {
		if !c.Contains(r) {
			return false
		}
	}
	return true
}

// Missing returns the capabilities from required that c lacks.
func (c Capabilities) Missing(required Capabilities) Capabilities {
	var missing Capabilities
	for _, r := range required {
		if !c.Contains(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

func (c Capabilities) highest() Capability {
	if len(c) == 0 {
		return -1
	}
	return c[len(c)-1]
}

// HasLess reports whether c is a weaker announcement than other. Sets are
// compared by their highest capability; an older peer cannot know about
// newer ones.
func (c Capabilities) HasLess(other Capabilities) bool {
	return c.highest() < other.highest()
}

func (c Capabilities) Equal(other Capabilities) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}
	out := make(Capabilities, len(c))
	copy(out, c)
	return out
}

func (c Capabilities) String() string {
	names := make([]string, len(c))
	for i, v := range c {
		names[i] = v.String()
	}
	return "[" + strings.Join(names, ", ") + "]"
}
