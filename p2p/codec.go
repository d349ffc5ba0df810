package p2p

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// PermittedMessageSize is the default ceiling for a decoded envelope.
	PermittedMessageSize = 200 * 1024
	// MaxPermittedMessageSize applies to kinds flagged ExtendedSize.
	MaxPermittedMessageSize = 10 * 1024 * 1024
	// hardFrameLimit bounds the allocation for a single frame. Frames
	// between MaxPermittedMessageSize and this limit are read and then
	// rejected by the size policy so the stream stays in sync.
	hardFrameLimit = 2 * MaxPermittedMessageSize
)

var (
	// ErrEmptyFrame is a zero length frame.
	ErrEmptyFrame = errors.New("p2p: empty frame")
	// ErrMissingKind is an envelope without a payload kind.
	ErrMissingKind = errors.New("p2p: envelope without payload kind")
)

// Envelope field numbers.
const (
	fieldVersion    protowire.Number = 1
	fieldKind       protowire.Number = 2
	fieldSender     protowire.Number = 3
	fieldCapability protowire.Number = 4
	fieldBody       protowire.Number = 5

	fieldBundleEnvelope protowire.Number = 1
)

// FrameReader is what a connection reads frames from.
type FrameReader interface {
	io.Reader
	io.ByteReader
}

// WireCodec encodes envelopes as length-delimited frames. The returned size
// is the serialized envelope length without the length prefix and is the
// value size ceilings are checked against.
type WireCodec interface {
	WriteEnvelope(w io.Writer, env *Envelope) (int, error)
	ReadEnvelope(r FrameReader) (*Envelope, int, error)
}

// Codec is the default WireCodec. Envelope fields use protobuf wire format;
// payload bodies are JSON.
type Codec struct {
	registry *Registry
}

func NewCodec(registry *Registry) *Codec {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Codec{registry: registry}
}

func (c *Codec) Registry() *Registry { return c.registry }

// Marshal serializes env without framing.
func (c *Codec) Marshal(env *Envelope) ([]byte, error) {
	if env == nil || env.Payload == nil {
		return nil, fmt.Errorf("marshal envelope: %w", ErrMissingKind)
	}
	var b []byte
	if env.Version != "" {
		b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
		b = protowire.AppendString(b, env.Version)
	}
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Kind()))
	if env.Sender != nil {
		b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
		b = protowire.AppendString(b, env.Sender.FullAddress())
	}
	for _, capability := range env.Capabilities {
		b = protowire.AppendTag(b, fieldCapability, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(capability))
	}
	body, err := c.marshalBody(env.Payload)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b, nil
}

func (c *Codec) marshalBody(payload Payload) ([]byte, error) {
	bundle, ok := payload.(*BundleOfEnvelopes)
	if !ok {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %T: %w", payload, err)
		}
		return body, nil
	}
	var b []byte
	for _, nested := range bundle.Envelopes {
		raw, err := c.Marshal(nested)
		if err != nil {
			return nil, fmt.Errorf("marshal bundle entry: %w", err)
		}
		b = protowire.AppendTag(b, fieldBundleEnvelope, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	return b, nil
}

// Unmarshal parses one serialized envelope.
func (c *Codec) Unmarshal(b []byte) (*Envelope, error) {
	if len(b) == 0 {
		return nil, ErrEmptyFrame
	}
	env := &Envelope{}
	var (
		kind    Kind
		hasKind bool
		body    []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldVersion && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: version: %v", ErrCorruptedEnvelope, protowire.ParseError(m))
			}
			env.Version = v
			n = m
		case num == fieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: kind: %v", ErrCorruptedEnvelope, protowire.ParseError(m))
			}
			kind, hasKind = Kind(v), true
			n = m
		case num == fieldSender && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: sender: %v", ErrCorruptedEnvelope, protowire.ParseError(m))
			}
			addr, err := ParseNodeAddress(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptedEnvelope, err)
			}
			env.Sender = &addr
			n = m
		case num == fieldCapability && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: capability: %v", ErrCorruptedEnvelope, protowire.ParseError(m))
			}
			env.Capabilities = append(env.Capabilities, Capability(v))
			n = m
		case num == fieldBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: body: %v", ErrCorruptedEnvelope, protowire.ParseError(m))
			}
			body = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorruptedEnvelope, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if !hasKind {
		return nil, ErrMissingKind
	}
	env.Capabilities = NewCapabilities(env.Capabilities...)
	if kind == KindBundleOfEnvelopes {
		bundle, err := c.unmarshalBundle(body)
		if err != nil {
			return nil, err
		}
		env.Payload = bundle
		env.Traits = c.registry.TraitsOf(kind)
		return env, nil
	}
	payload, traits, err := c.registry.decodePayload(kind, body)
	if err != nil {
		return nil, err
	}
	env.Payload = payload
	env.Traits = traits
	return env, nil
}

func (c *Codec) unmarshalBundle(b []byte) (*BundleOfEnvelopes, error) {
	bundle := &BundleOfEnvelopes{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bundle: %v", ErrCorruptedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldBundleEnvelope || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: bundle: %v", ErrCorruptedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		raw, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, fmt.Errorf("%w: bundle: %v", ErrCorruptedEnvelope, protowire.ParseError(m))
		}
		nested, err := c.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("bundle entry: %w", err)
		}
		bundle.Envelopes = append(bundle.Envelopes, nested)
		b = b[m:]
	}
	return bundle, nil
}

// WriteEnvelope writes one frame: a varint length followed by the envelope.
func (c *Codec) WriteEnvelope(w io.Writer, env *Envelope) (int, error) {
	raw, err := c.Marshal(env)
	if err != nil {
		return 0, err
	}
	frame := protowire.AppendVarint(make([]byte, 0, len(raw)+binary.MaxVarintLen64), uint64(len(raw)))
	frame = append(frame, raw...)
	if _, err := w.Write(frame); err != nil {
		return 0, err
	}
	return len(raw), nil
}

// ReadEnvelope blocks for the next frame. When the frame was read completely
// but its content is invalid, the size is still reported alongside the error
// so the caller can account for it and keep reading.
func (c *Codec) ReadEnvelope(r FrameReader) (*Envelope, int, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, 0, err
	}
	if length == 0 {
		return nil, 0, ErrEmptyFrame
	}
	if length > hardFrameLimit {
		return nil, int(length), fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	raw := make([]byte, int(length))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, 0, err
	}
	env, err := c.Unmarshal(raw)
	return env, len(raw), err
}
