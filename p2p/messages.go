package p2p

import (
	"encoding/hex"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"lukechampine.com/blake3"
)

// Built-in kinds. Applications register their own kinds from
// KindApplicationBase upwards.
const (
	KindCloseConnection Kind = iota + 1
	KindSupportedCapabilities
	KindGetPeersRequest
	KindGetPeersResponse
	KindPing
	KindPong
	KindPreliminaryGetDataRequest
	KindGetUpdatedDataRequest
	KindGetDataResponse
	KindBundleOfEnvelopes
	KindAddData
	KindDirectMessage

	KindApplicationBase Kind = 100
)

// CloseConnectionMessage asks the peer to close gracefully. Reason carries
// the name of a CloseConnectionReason.
type CloseConnectionMessage struct {
	Reason string `json:"reason"`
}

func (CloseConnectionMessage) Kind() Kind { return KindCloseConnection }

// SupportedCapabilitiesMessage exists only to carry the envelope's
// capability announcement.
type SupportedCapabilitiesMessage struct{}

func (SupportedCapabilitiesMessage) Kind() Kind { return KindSupportedCapabilities }

// ReportedPeer is the wire form of a peer registry entry.
type ReportedPeer struct {
	Address      NodeAddress  `json:"address"`
	Date         int64        `json:"date"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
}

// LastSeen converts the wire timestamp (unix millis).
func (p ReportedPeer) LastSeen() time.Time {
	return time.UnixMilli(p.Date)
}

// GetPeersRequest carries the requester's own live and reported peers so the
// exchange completes in one round trip. The envelope sender is mandatory.
type GetPeersRequest struct {
	Nonce         int32          `json:"nonce"`
	ReportedPeers []ReportedPeer `json:"reportedPeers"`
}

func (GetPeersRequest) Kind() Kind { return KindGetPeersRequest }

type GetPeersResponse struct {
	RequestNonce  int32          `json:"requestNonce"`
	ReportedPeers []ReportedPeer `json:"reportedPeers"`
}

func (GetPeersResponse) Kind() Kind { return KindGetPeersResponse }

// Ping carries the round trip time measured by the previous ping, in
// milliseconds.
type Ping struct {
	Nonce             int32 `json:"nonce"`
	LastRoundTripTime int64 `json:"lastRoundTripTime"`
}

func (Ping) Kind() Kind { return KindPing }

type Pong struct {
	RequestNonce int32 `json:"requestNonce"`
}

func (Pong) Kind() Kind { return KindPong }

// DataEntry is an opaque application data item keyed by its hash.
type DataEntry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// KeyHex renders the key for maps and logs.
func (e DataEntry) KeyHex() string {
	return hex.EncodeToString(e.Key)
}

// PreliminaryGetDataRequest asks a seed for its full data set minus the keys
// already known locally. Sent before the node has an address of its own.
type PreliminaryGetDataRequest struct {
	Nonce        int32    `json:"nonce"`
	ExcludedKeys [][]byte `json:"excludedKeys,omitempty"`
}

func (PreliminaryGetDataRequest) Kind() Kind { return KindPreliminaryGetDataRequest }

// GetUpdatedDataRequest asks for data newer than what the requester holds.
// The envelope sender is mandatory.
type GetUpdatedDataRequest struct {
	Nonce        int32    `json:"nonce"`
	ExcludedKeys [][]byte `json:"excludedKeys,omitempty"`
}

func (GetUpdatedDataRequest) Kind() Kind { return KindGetUpdatedDataRequest }

type GetDataResponse struct {
	RequestNonce int32       `json:"requestNonce"`
	IsUpdate     bool        `json:"isUpdate"`
	WasTruncated bool        `json:"wasTruncated"`
	Entries      []DataEntry `json:"entries,omitempty"`
}

func (GetDataResponse) Kind() Kind { return KindGetDataResponse }

// BundleOfEnvelopes batches several envelopes into one frame. It is encoded
// as nested envelopes rather than JSON.
type BundleOfEnvelopes struct {
	Envelopes []*Envelope `json:"-"`
}

func (BundleOfEnvelopes) Kind() Kind { return KindBundleOfEnvelopes }

// AddDataMessage gossips a single data entry.
type AddDataMessage struct {
	Entry DataEntry `json:"entry"`
}

func (AddDataMessage) Kind() Kind { return KindAddData }

// ContentHash identifies the entry for duplicate suppression. It covers the
// key and the value; the key is length-prefixed.
func (m AddDataMessage) ContentHash() [32]byte {
	buf := make([]byte, 0, protowire.SizeVarint(uint64(len(m.Entry.Key)))+len(m.Entry.Key)+len(m.Entry.Value))
	buf = protowire.AppendVarint(buf, uint64(len(m.Entry.Key)))
	buf = append(buf, m.Entry.Key...)
	buf = append(buf, m.Entry.Value...)
	return blake3.Sum256(buf)
}

// DirectMessage carries a sealed point-to-point payload for the application.
type DirectMessage struct {
	Payload []byte `json:"payload"`
}

func (DirectMessage) Kind() Kind { return KindDirectMessage }

func registerBuiltins(r *Registry) {
	add := func(kind Kind, name string, newFn func() Payload, traits Traits) {
		r.kinds[kind] = KindSpec{Name: name, New: newFn, Traits: traits}
	}
	add(KindCloseConnection, "CloseConnectionMessage", func() Payload { return &CloseConnectionMessage{} }, Traits{})
	add(KindSupportedCapabilities, "SupportedCapabilitiesMessage", func() Payload { return &SupportedCapabilitiesMessage{} },
		Traits{AnnouncesCapabilities: true})
	add(KindGetPeersRequest, "GetPeersRequest", func() Payload { return &GetPeersRequest{} },
		Traits{AnnouncesCapabilities: true})
	add(KindGetPeersResponse, "GetPeersResponse", func() Payload { return &GetPeersResponse{} },
		Traits{AnnouncesCapabilities: true})
	add(KindPing, "Ping", func() Payload { return &Ping{} }, Traits{})
	add(KindPong, "Pong", func() Payload { return &Pong{} }, Traits{})
	add(KindPreliminaryGetDataRequest, "PreliminaryGetDataRequest", func() Payload { return &PreliminaryGetDataRequest{} },
		Traits{InitialDataRequest: true, AnnouncesCapabilities: true})
	add(KindGetUpdatedDataRequest, "GetUpdatedDataRequest", func() Payload { return &GetUpdatedDataRequest{} },
		Traits{InitialDataRequest: true, AnnouncesCapabilities: true})
	add(KindGetDataResponse, "GetDataResponse", func() Payload { return &GetDataResponse{} },
		Traits{InitialDataResponse: true, ExtendedSize: true, AnnouncesCapabilities: true})
	add(KindBundleOfEnvelopes, "BundleOfEnvelopes", func() Payload { return &BundleOfEnvelopes{} },
		Traits{ExtendedSize: true, RequiredCapabilities: NewCapabilities(CapBundleOfEnvelopes)})
	add(KindAddData, "AddDataMessage", func() Payload { return &AddDataMessage{} }, Traits{})
	add(KindDirectMessage, "DirectMessage", func() Payload { return &DirectMessage{} }, Traits{Direct: true})
}
