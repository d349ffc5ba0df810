package p2p

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
	"time"
)

var testPeer = MustParseNodeAddress("peerpeerpeerpeer.onion:9999")

func TestSendThrottleDelaysWithoutDropping(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)

	const count = 5
	arrived := make(chan *Envelope, count)
	go func() {
		r := bufio.NewReader(h.remote)
		for {
			env, _, err := h.codec.ReadEnvelope(r)
			if err != nil {
				return
			}
			arrived <- env
		}
	}()

	for i := 0; i < count; i++ {
		if err := h.conn.Send(testEnvelope(&Ping{Nonce: int32(i)})); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < count; i++ {
		select {
		case env := <-arrived:
			if got := env.Payload.(*Ping).Nonce; got != int32(i) {
				t.Fatalf("message %d arrived as nonce %d", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	var throttled int
	for _, d := range h.recordedSleeps() {
		if d == DefaultSendMsgThrottleSleep {
			throttled++
		}
	}
	if throttled != count-1 {
		t.Fatalf("%d sends delayed, want every send after the first (%d)", throttled, count-1)
	}
}

func TestReportInvalidRequestTolerance(t *testing.T) {
	violations := []RuleViolation{
		ViolationInvalidDataType,
		ViolationWrongNetworkID,
		ViolationMaxMsgSizeExceeded,
		ViolationThrottleLimitExceeded,
		ViolationTooManyReportedPeersSent,
		ViolationPeerBanned,
		ViolationInvalidClass,
	}
	for _, v := range violations {
		v := v
		t.Run(v.String(), func(t *testing.T) {
			h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
			h.drainRemote()
			for i := 0; i < v.MaxTolerance(); i++ {
				if h.conn.ReportInvalidRequest(v) || h.conn.IsStopped() {
					t.Fatalf("report %d within tolerance %d closed the connection", i+1, v.MaxTolerance())
				}
			}
			if !h.conn.ReportInvalidRequest(v) {
				t.Fatalf("report above tolerance did not close")
			}
			expectReason(t, h.waitDisconnect(t), v.CloseReason())
			expectRuleViolation(t, h.conn, v)
		})
	}
}

func TestOversizedMessageClosesOnFirstOccurrence(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	h.conn.start()

	// base64 in the JSON body pushes the envelope to roughly 11 MB.
	big := make([]byte, 8*1024*1024+256*1024)
	h.sendFromRemote(t, testEnvelope(&AddDataMessage{Entry: DataEntry{Key: []byte{1}, Value: big}}))
	go func() {
		// Drain the close message once the frame was consumed.
		r := bufio.NewReader(h.remote)
		for {
			if _, _, err := h.codec.ReadEnvelope(r); err != nil {
				return
			}
		}
	}()

	expectReason(t, h.waitDisconnect(t), ReasonRuleViolation)
	expectRuleViolation(t, h.conn, ViolationMaxMsgSizeExceeded)
	select {
	case <-h.received:
		t.Fatalf("oversized message must not be dispatched")
	default:
	}
}

func TestExtendedSizeKindAcceptsLargeMessage(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	h.conn.start()
	h.drainRemote()

	entries := []DataEntry{{Key: []byte{1}, Value: make([]byte, 512*1024)}}
	h.sendFromRemote(t, testEnvelope(&GetDataResponse{RequestNonce: 1, Entries: entries}))
	if env := h.waitMessage(t); env.Kind() != KindGetDataResponse {
		t.Fatalf("dispatched %v", env.Kind())
	}
	if h.conn.IsStopped() {
		t.Fatalf("extended-size response closed the connection")
	}
}

func TestWrongVersionClosesConnection(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	h.conn.start()
	h.drainRemote()

	env := testEnvelope(&Ping{Nonce: 1})
	env.Version = "other-network"
	h.sendFromRemote(t, env)
	expectReason(t, h.waitDisconnect(t), ReasonRuleViolation)
	expectRuleViolation(t, h.conn, ViolationWrongNetworkID)
}

func TestCapabilitiesAppliedBeforeDispatch(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, nil, nil)
	seen := make(chan Capabilities, 1)
	h.conn.AddMessageListener(func(env *Envelope, conn Conn) {
		seen <- conn.Capabilities()
	})
	h.conn.start()

	announced := NewCapabilities(CapAckMessage, CapBundleOfEnvelopes, CapMediation)
	sender := MustParseNodeAddress("requester.onion:9999")
	h.sendFromRemote(t, testEnvelope(&GetPeersRequest{Nonce: 1}).WithSender(sender).WithCapabilities(announced))

	select {
	case caps := <-seen:
		if !caps.Equal(announced) {
			t.Fatalf("listener saw capabilities %v, want %v", caps, announced)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("listener not called")
	}
	if addr, ok := h.conn.PeerAddress(); !ok || addr != sender {
		t.Fatalf("peer address %v, want %s", addr, sender)
	}
}

func TestLesserCapabilityAnnouncementIgnored(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	var notified []Capabilities
	h.conn.AddCapabilitiesListener(func(caps Capabilities) { notified = append(notified, caps) })
	if h.conn.applyCapabilities(NewCapabilities(CapAckMessage, CapMediation)) {
		t.Fatalf("announcement closed the connection")
	}
	if h.conn.applyCapabilities(NewCapabilities(CapAckMessage)) {
		t.Fatalf("lesser announcement closed the connection")
	}
	want := NewCapabilities(CapAckMessage, CapMediation)
	if got := h.conn.Capabilities(); !got.Equal(want) {
		t.Fatalf("capabilities %v, want %v", got, want)
	}
	if len(notified) != 1 || !notified[0].Equal(want) {
		t.Fatalf("capability listener saw %v, want only the upgrade to %v", notified, want)
	}
}

func TestMissingMandatoryCapabilityCloses(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{MandatoryCapabilities: NewCapabilities(CapMediation)}, &testPeer, nil)
	h.conn.start()
	h.drainRemote()

	h.sendFromRemote(t, testEnvelope(&SupportedCapabilitiesMessage{}).WithCapabilities(NewCapabilities(CapAckMessage)))
	expectReason(t, h.waitDisconnect(t), ReasonMandatoryCapabilitiesNotSupported)
}

func TestCloseMessageFromBanningPeer(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	h.conn.start()

	h.sendFromRemote(t, testEnvelope(&CloseConnectionMessage{Reason: ReasonPeerBanned.String()}))
	expectReason(t, h.waitDisconnect(t), ReasonCloseRequestedByPeer)
	if !h.conn.BannedByPeer() {
		t.Fatalf("ban by peer not recorded")
	}
}

func TestSenderAddressChangeIsProtocolError(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, nil, nil)
	h.conn.start()
	h.drainRemote()

	first := MustParseNodeAddress("first.onion:9999")
	second := MustParseNodeAddress("second.onion:9999")
	h.sendFromRemote(t, testEnvelope(&Ping{Nonce: 1}).WithSender(first))
	h.waitMessage(t)
	h.sendFromRemote(t, testEnvelope(&Ping{Nonce: 2}).WithSender(second))

	expectReason(t, h.waitDisconnect(t), ReasonRuleViolation)
	if addr, _ := h.conn.PeerAddress(); addr != first {
		t.Fatalf("peer address changed to %s", addr)
	}
	select {
	case <-h.received:
		t.Fatalf("message with changed sender must not be dispatched")
	default:
	}
}

func TestBundleSuppressesDuplicateAddData(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	h.conn.start()
	h.drainRemote()

	dup := testEnvelope(&AddDataMessage{Entry: DataEntry{Key: []byte{1}, Value: []byte("same")}})
	other := testEnvelope(&AddDataMessage{Entry: DataEntry{Key: []byte{2}, Value: []byte("other")}})
	h.sendFromRemote(t, testEnvelope(&BundleOfEnvelopes{Envelopes: []*Envelope{dup, dup, other}}))

	first := h.waitMessage(t)
	second := h.waitMessage(t)
	if got := first.Payload.(*AddDataMessage).Entry.Value; !bytes.Equal(got, []byte("same")) {
		t.Fatalf("first dispatch %q", got)
	}
	if got := second.Payload.(*AddDataMessage).Entry.Value; !bytes.Equal(got, []byte("other")) {
		t.Fatalf("second dispatch %q", got)
	}
	select {
	case env := <-h.received:
		t.Fatalf("unexpected extra dispatch %v", env.Kind())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBundleKeepsEntriesSharingAValue(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	h.conn.start()
	h.drainRemote()

	first := testEnvelope(&AddDataMessage{Entry: DataEntry{Key: []byte{1}, Value: []byte("same")}})
	second := testEnvelope(&AddDataMessage{Entry: DataEntry{Key: []byte{2}, Value: []byte("same")}})
	h.sendFromRemote(t, testEnvelope(&BundleOfEnvelopes{Envelopes: []*Envelope{first, second}}))

	for _, want := range []byte{1, 2} {
		got := h.waitMessage(t).Payload.(*AddDataMessage).Entry.Key
		if len(got) != 1 || got[0] != want {
			t.Fatalf("dispatched key %v, want [%d]", got, want)
		}
	}
}

func TestAddDataContentHashCoversKey(t *testing.T) {
	a := AddDataMessage{Entry: DataEntry{Key: []byte("ab"), Value: []byte("c")}}
	b := AddDataMessage{Entry: DataEntry{Key: []byte("a"), Value: []byte("bc")}}
	if a.ContentHash() == b.ContentHash() {
		t.Fatalf("entries splitting the same bytes differently share a hash")
	}
	if a.ContentHash() != (AddDataMessage{Entry: a.Entry}).ContentHash() {
		t.Fatalf("hash is not stable")
	}
}

func TestSendDropsEnvelopeWithoutRequiredCapability(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	h.drainRemote()

	env := testEnvelope(&DirectMessage{Payload: []byte("x")})
	env.Traits.RequiredCapabilities = NewCapabilities(CapMediation)
	if err := h.conn.Send(env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent := h.conn.Statistic().Snapshot().SentMessages; len(sent) != 0 {
		t.Fatalf("envelope without required capability sent: %v", sent)
	}
}

func TestSendFiltersBundleByCapability(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	h.conn.applyCapabilities(NewCapabilities(CapBundleOfEnvelopes))

	arrived := make(chan *Envelope, 1)
	go func() {
		env, _, err := h.codec.ReadEnvelope(bufio.NewReader(h.remote))
		if err == nil {
			arrived <- env
		}
	}()

	unsupported := testEnvelope(&DirectMessage{Payload: []byte("x")})
	unsupported.Traits.RequiredCapabilities = NewCapabilities(CapMediation)
	supported := testEnvelope(&AddDataMessage{Entry: DataEntry{Key: []byte{1}, Value: []byte("v")}})
	if err := h.conn.Send(testEnvelope(&BundleOfEnvelopes{Envelopes: []*Envelope{unsupported, supported}})); err != nil {
		t.Fatalf("send bundle: %v", err)
	}

	select {
	case env := <-arrived:
		bundle := env.Payload.(*BundleOfEnvelopes)
		if len(bundle.Envelopes) != 1 || bundle.Envelopes[0].Kind() != KindAddData {
			t.Fatalf("bundle not filtered: %d envelopes", len(bundle.Envelopes))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bundle not delivered")
	}
}

func TestSendToBannedPeerReportsViolation(t *testing.T) {
	ban := NewStaticBanFilter([]NodeAddress{testPeer})
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, ban)
	h.drainRemote()

	if err := h.conn.Send(testEnvelope(&Ping{Nonce: 1})); !errors.Is(err, ErrPeerBanned) {
		t.Fatalf("send to banned peer: %v", err)
	}
	expectReason(t, h.waitDisconnect(t), ReasonPeerBanned)
}

func TestShutDownIsIdempotent(t *testing.T) {
	h := newPipeHarness(t, ConnectionConfig{}, &testPeer, nil)
	h.drainRemote()

	done := make(chan struct{}, 2)
	h.conn.ShutDown(ReasonAppShutDown, func() { done <- struct{}{} })
	h.conn.ShutDown(ReasonAppShutDown, func() { done <- struct{}{} })
	expectReason(t, h.waitDisconnect(t), ReasonAppShutDown)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("completion callback %d not invoked", i)
		}
	}
	if err := h.conn.Send(testEnvelope(&Ping{})); !errors.Is(err, ErrConnectionStopped) {
		t.Fatalf("send after shutdown: %v", err)
	}
	select {
	case reason := <-h.disconnects:
		t.Fatalf("disconnect notified twice: %v", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceiveThrottleWindows(t *testing.T) {
	start := time.Unix(1000, 0)
	th := newReceiveThrottle(5, 8)
	for i := 0; i < 5; i++ {
		if th.violates(start) {
			t.Fatalf("message %d within the per second limit flagged", i+1)
		}
	}
	if !th.violates(start) {
		t.Fatalf("sixth message within one second not flagged")
	}
	// Six slots are taken; two more fit into the ten second window.
	later := start.Add(1500 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if th.violates(later) {
			t.Fatalf("message %d within the ten second limit flagged", i+1)
		}
	}
	if !th.violates(later) {
		t.Fatalf("ninth message within ten seconds not flagged")
	}
	if th.violates(start.Add(11 * time.Second)) {
		t.Fatalf("window did not slide")
	}
}

func TestReceiveThrottleCountsSlidingWindows(t *testing.T) {
	start := time.Unix(1000, 0)
	th := newReceiveThrottle(DefaultMsgThrottlePerSec, DefaultMsgThrottlePer10Sec)
	violations := 0
	for i := 0; i < 300; i++ {
		if th.violates(start.Add(time.Duration(i) * 3 * time.Millisecond)) {
			violations++
		}
	}
	if violations != 100 {
		t.Fatalf("300 messages in 900ms: got %d violations, want 100", violations)
	}

	th = newReceiveThrottle(DefaultMsgThrottlePerSec, DefaultMsgThrottlePer10Sec)
	violations = 0
	first := -1
	for i := 0; i < 1800; i++ {
		if th.violates(start.Add(time.Duration(i) * 5 * time.Millisecond)) {
			if first < 0 {
				first = i
			}
			violations++
		}
	}
	if first != DefaultMsgThrottlePer10Sec {
		t.Fatalf("first violation at message %d, want %d", first+1, DefaultMsgThrottlePer10Sec+1)
	}
	if violations != 800 {
		t.Fatalf("1800 messages in 9s: got %d violations, want 800", violations)
	}
}

func TestReceiveThrottleAllowsSteadyRate(t *testing.T) {
	start := time.Unix(1000, 0)
	th := newReceiveThrottle(DefaultMsgThrottlePerSec, DefaultMsgThrottlePer10Sec)
	// 100 messages per second stays inside both windows indefinitely.
	for i := 0; i < 3000; i++ {
		if th.violates(start.Add(time.Duration(i) * 10 * time.Millisecond)) {
			t.Fatalf("message %d at a steady 100/s flagged", i+1)
		}
	}
}
