package p2p

import (
	"bufio"
	"bytes"
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodecFrameRoundTrip(t *testing.T) {
	codec := NewCodec(nil)
	sender := MustParseNodeAddress("abcdefghijklmnop.onion:9999")
	envelopes := []*Envelope{
		testEnvelope(&Ping{Nonce: 7, LastRoundTripTime: 120}),
		testEnvelope(&GetPeersRequest{
			Nonce: 42,
			ReportedPeers: []ReportedPeer{{
				Address:      MustParseNodeAddress("peer1.onion:9999"),
				Date:         1700000000000,
				Capabilities: NewCapabilities(CapMediation, CapAckMessage),
			}},
		}).WithSender(sender).WithCapabilities(DefaultCapabilities()),
		testEnvelope(&GetDataResponse{
			RequestNonce: 3,
			WasTruncated: true,
			Entries:      []DataEntry{{Key: []byte{1, 2}, Value: []byte("value")}},
		}),
		testEnvelope(&BundleOfEnvelopes{Envelopes: []*Envelope{
			testEnvelope(&AddDataMessage{Entry: DataEntry{Key: []byte{9}, Value: []byte("a")}}),
			testEnvelope(&DirectMessage{Payload: []byte("sealed")}).WithSender(sender),
		}}),
	}

	for _, env := range envelopes {
		var buf bytes.Buffer
		written, err := codec.WriteEnvelope(&buf, env)
		if err != nil {
			t.Fatalf("write %s: %v", env.KindName(), err)
		}

		decoded, read, err := codec.ReadEnvelope(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("read %s: %v", env.KindName(), err)
		}
		if written != read {
			t.Fatalf("%s: decoded size %d, encoded size %d", env.KindName(), read, written)
		}
		if !reflect.DeepEqual(env, decoded) {
			t.Fatalf("%s: decoded %+v, want %+v", env.KindName(), decoded, env)
		}
	}
}

func TestCodecSizeMatchesMarshal(t *testing.T) {
	codec := NewCodec(nil)
	env := testEnvelope(&CloseConnectionMessage{Reason: ReasonAppShutDown.String()})
	raw, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var buf bytes.Buffer
	written, err := codec.WriteEnvelope(&buf, env)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if written != len(raw) {
		t.Fatalf("written %d, marshaled %d", written, len(raw))
	}
	if want := len(raw) + protowire.SizeVarint(uint64(len(raw))); buf.Len() != want {
		t.Fatalf("frame length %d, want %d", buf.Len(), want)
	}
}

func TestCodecUnknownKindReportsSize(t *testing.T) {
	codec := NewCodec(nil)
	var frame []byte
	frame = protowire.AppendTag(frame, fieldVersion, protowire.BytesType)
	frame = protowire.AppendString(frame, testVersion)
	frame = protowire.AppendTag(frame, fieldKind, protowire.VarintType)
	frame = protowire.AppendVarint(frame, 999)

	var buf bytes.Buffer
	buf.Write(protowire.AppendVarint(nil, uint64(len(frame))))
	buf.Write(frame)

	_, size, err := codec.ReadEnvelope(bufio.NewReader(&buf))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("got %v, want ErrUnknownKind", err)
	}
	if size != len(frame) {
		t.Fatalf("size %d, want %d", size, len(frame))
	}
}

func TestCodecRejectsMalformedInput(t *testing.T) {
	codec := NewCodec(nil)

	if _, err := codec.Unmarshal(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("empty frame: %v", err)
	}

	var noKind []byte
	noKind = protowire.AppendTag(noKind, fieldVersion, protowire.BytesType)
	noKind = protowire.AppendString(noKind, testVersion)
	if _, err := codec.Unmarshal(noKind); !errors.Is(err, ErrMissingKind) {
		t.Fatalf("missing kind: %v", err)
	}
	if _, err := codec.Unmarshal([]byte{0xff}); !errors.Is(err, ErrCorruptedEnvelope) {
		t.Fatalf("corrupted envelope: %v", err)
	}

	var badBody []byte
	badBody = protowire.AppendTag(badBody, fieldKind, protowire.VarintType)
	badBody = protowire.AppendVarint(badBody, uint64(KindPing))
	badBody = protowire.AppendTag(badBody, fieldBody, protowire.BytesType)
	badBody = protowire.AppendBytes(badBody, []byte("{not json"))
	if _, err := codec.Unmarshal(badBody); !errors.Is(err, ErrCorruptedPayload) {
		t.Fatalf("corrupted payload: %v", err)
	}
}

func TestCodecRegisteredApplicationKind(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register(KindApplicationBase+1, KindSpec{
		Name:   "BlockRequest",
		New:    func() Payload { return &testBlockRequest{} },
		Traits: Traits{RequiredCapabilities: NewCapabilities(CapDAOFullNode)},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	codec := NewCodec(registry)
	env := registry.NewEnvelope(testVersion, &testBlockRequest{FromHeight: 10})
	if !env.Traits.RequiredCapabilities.Contains(CapDAOFullNode) {
		t.Fatalf("registered traits not attached")
	}

	raw, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := codec.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(env, decoded) {
		t.Fatalf("decoded %+v, want %+v", decoded, env)
	}
}

type testBlockRequest struct {
	FromHeight int `json:"fromHeight"`
}

func (testBlockRequest) Kind() Kind { return KindApplicationBase + 1 }
