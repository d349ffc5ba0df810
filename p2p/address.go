package p2p

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// NodeAddress identifies a remote node on the overlay, usually an onion
// host and its virtual port. It is a comparable value and safe to use as a
// map key.
type NodeAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParseNodeAddress parses "host:port".
func ParseNodeAddress(raw string) (NodeAddress, error) {
	trimmed := strings.TrimSpace(raw)
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("parse node address %q: %w", raw, err)
	}
	if host == "" {
		return NodeAddress{}, fmt.Errorf("parse node address %q: empty host", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("parse node address %q: invalid port", raw)
	}
	return NodeAddress{Host: host, Port: port}, nil
}

// MustParseNodeAddress is ParseNodeAddress for literals.
func MustParseNodeAddress(raw string) NodeAddress {
	addr, err := ParseNodeAddress(raw)
	if err != nil {
		panic(err)
	}
	return addr
}

// FullAddress renders the address as "host:port".
func (a NodeAddress) FullAddress() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a NodeAddress) String() string {
	return a.FullAddress()
}

// IsZero reports whether the address is unset.
func (a NodeAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// HostnameWithoutPostfix strips the ".onion" suffix.
func (a NodeAddress) HostnameWithoutPostfix() string {
	return strings.TrimSuffix(a.Host, ".onion")
}

// AddressPrefixHash hashes the first two characters of the full address.
// It buckets addresses coarsely without revealing them.
func (a NodeAddress) AddressPrefixHash() string {
	full := a.FullAddress()
	if len(full) > 2 {
		full = full[:2]
	}
	sum := blake3.Sum256([]byte(full))
	return hex.EncodeToString(sum[:8])
}
