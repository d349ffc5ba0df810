package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Kind identifies the payload variant of an envelope on the wire.
type Kind uint32

// Payload is the typed body of an envelope. Concrete payloads are plain
// structs encoded as JSON inside the envelope frame.
type Payload interface {
	Kind() Kind
}

// Traits are the orthogonal dispatch properties of a payload kind.
type Traits struct {
	// Direct marks point-to-point messages. Observing one pins the
	// connection to DirectMsgPeer.
	Direct bool
	// ExtendedSize raises the size ceiling to MaxPermittedMessageSize.
	ExtendedSize bool
	// InitialDataRequest and InitialDataResponse drive the
	// InitialDataExchange classification.
	InitialDataRequest  bool
	InitialDataResponse bool
	// RequiredCapabilities must all be supported by the receiving peer,
	// otherwise the envelope is silently dropped on send.
	RequiredCapabilities Capabilities
	// AnnouncesCapabilities makes the node attach its own capability set
	// when it creates an envelope of this kind.
	AnnouncesCapabilities bool
}

// Envelope is the top-level wire message: a protocol version tag, an
// optional sender address, an optional capability announcement and exactly
// one payload.
type Envelope struct {
	Version      string
	Sender       *NodeAddress
	Capabilities Capabilities
	Payload      Payload
	Traits       Traits
}

// Kind of the carried payload.
func (e *Envelope) Kind() Kind {
	if e == nil || e.Payload == nil {
		return 0
	}
	return e.Payload.Kind()
}

// KindName resolves a printable kind label, falling back to the number.
func (e *Envelope) KindName() string {
	if e == nil || e.Payload == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", e.Payload)
}

// WithSender returns e after setting the sender address.
func (e *Envelope) WithSender(addr NodeAddress) *Envelope {
	a := addr
	e.Sender = &a
	return e
}

// WithCapabilities returns e after attaching a capability announcement.
func (e *Envelope) WithCapabilities(caps Capabilities) *Envelope {
	e.Capabilities = caps.Clone()
	return e
}

// KindSpec describes how to construct and treat one payload kind.
type KindSpec struct {
	Name   string
	New    func() Payload
	Traits Traits
}

// Registry maps wire kinds to payload constructors and traits. It is safe
// for concurrent use; registration normally happens before the node starts.
type Registry struct {
	mu    sync.RWMutex
	kinds map[Kind]KindSpec
}

// NewRegistry returns a registry with the built-in overlay kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[Kind]KindSpec)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces an application kind.
func (r *Registry) Register(kind Kind, spec KindSpec) error {
	if spec.New == nil {
		return fmt.Errorf("register kind %d: constructor required", kind)
	}
	if kind == 0 {
		return fmt.Errorf("register kind %q: kind 0 is reserved", spec.Name)
	}
	spec.Traits.RequiredCapabilities = spec.Traits.RequiredCapabilities.Clone()
	r.mu.Lock()
	r.kinds[kind] = spec
	r.mu.Unlock()
	return nil
}

// Lookup returns the registered KindSpec of kind.
func (r *Registry) Lookup(kind Kind) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.kinds[kind]
	return spec, ok
}

// TraitsOf returns the traits of kind, or zero traits when unknown.
func (r *Registry) TraitsOf(kind Kind) Traits {
	spec, _ := r.Lookup(kind)
	return spec.Traits
}

// NewEnvelope wraps payload with version and the registered traits.
func (r *Registry) NewEnvelope(version string, payload Payload) *Envelope {
	return &Envelope{
		Version: version,
		Payload: payload,
		Traits:  r.TraitsOf(payload.Kind()),
	}
}

func (r *Registry) decodePayload(kind Kind, body []byte) (Payload, Traits, error) {
	spec, ok := r.Lookup(kind)
	if !ok {
		return nil, Traits{}, fmt.Errorf("%w: kind %d", ErrUnknownKind, kind)
	}
	payload := spec.New()
	if len(body) > 0 {
		if err := json.Unmarshal(body, payload); err != nil {
			return nil, Traits{}, fmt.Errorf("%w: kind %s: %v", ErrCorruptedPayload, spec.Name, err)
		}
	}
	return payload, spec.Traits, nil
}
