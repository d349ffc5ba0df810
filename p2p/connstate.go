package p2p

import (
	"sync"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

// PeerType is the eviction priority class of a connection.
type PeerType int

const (
	PeerTypePeer PeerType = iota
	PeerTypeInitialDataExchange
	PeerTypeDirectMsgPeer
)

func (t PeerType) String() string {
	switch t {
	case PeerTypeInitialDataExchange:
		return "INITIAL_DATA_EXCHANGE"
	case PeerTypeDirectMsgPeer:
		return "DIRECT_MSG_PEER"
	default:
		return "PEER"
	}
}

const (
	peerResetTimerDelay = 4 * time.Minute
	completedTimerDelay = 10 * time.Second
	// DefaultExpectedInitialDataRequests is how many initial data responses
	// a regular node expects during bootstrap.
	DefaultExpectedInitialDataRequests = 6
)

// ConnectionState classifies a connection for the eviction policy. Updates
// happen on the user thread; reads may come from anywhere.
type ConnectionState struct {
	mu sync.Mutex

	exec             userthread.Executor
	now              func() time.Time
	expectedRequests int

	peerType                 PeerType
	isSeedNode               bool
	numInitialDataRequests   int
	numInitialDataResponses  int
	lastInitialDataMsg       time.Time
	initialDataExchangeTimer userthread.Timer
	timerIsCompletion        bool
}

func NewConnectionState(exec userthread.Executor, now func() time.Time) *ConnectionState {
	if now == nil {
		now = time.Now
	}
	return &ConnectionState{
		exec:             exec,
		now:              now,
		expectedRequests: DefaultExpectedInitialDataRequests,
	}
}

// SetExpectedRequests overrides the number of initial data responses after
// which the exchange counts as completed.
func (s *ConnectionState) SetExpectedRequests(n int) {
	s.mu.Lock()
	s.expectedRequests = n
	s.mu.Unlock()
}

// OnMessage classifies a received envelope. peerKnown reports whether the
// connection already has a peer address.
func (s *ConnectionState) OnMessage(env *Envelope, peerKnown bool) {
	s.observe(env, peerKnown)
}

// OnMessageSent classifies a sent envelope.
func (s *ConnectionState) OnMessageSent(env *Envelope, peerKnown bool) {
	s.observe(env, peerKnown)
}

func (s *ConnectionState) observe(env *Envelope, peerKnown bool) {
	if env == nil {
		return
	}
	if bundle, ok := env.Payload.(*BundleOfEnvelopes); ok {
		for _, nested := range bundle.Envelopes {
			s.observe(nested, peerKnown)
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case env.Traits.InitialDataRequest:
		s.numInitialDataRequests++
		s.onInitialDataExchangeLocked()
	case env.Traits.InitialDataResponse:
		s.numInitialDataResponses++
		s.onInitialDataExchangeLocked()
	case env.Traits.Direct && peerKnown:
		s.peerType = PeerTypeDirectMsgPeer
		s.stopTimerLocked()
	}
}

func (s *ConnectionState) onInitialDataExchangeLocked() {
	if s.peerType == PeerTypeDirectMsgPeer {
		s.stopTimerLocked()
		return
	}
	s.peerType = PeerTypeInitialDataExchange
	s.lastInitialDataMsg = s.now()
	s.maybeResetLocked()
}

func (s *ConnectionState) maybeResetLocked() {
	if s.numInitialDataResponses >= s.expectedRequests {
		if s.initialDataExchangeTimer != nil && s.timerIsCompletion {
			return
		}
		s.stopTimerLocked()
		s.timerIsCompletion = true
		s.initialDataExchangeTimer = s.exec.RunAfter(completedTimerDelay, s.resetToPeer)
		return
	}
	if s.initialDataExchangeTimer == nil {
		s.timerIsCompletion = false
		s.initialDataExchangeTimer = s.exec.RunAfter(peerResetTimerDelay, s.resetToPeer)
	}
}

func (s *ConnectionState) resetToPeer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerType == PeerTypeInitialDataExchange {
		s.peerType = PeerTypePeer
	}
	s.initialDataExchangeTimer = nil
	s.timerIsCompletion = false
}

func (s *ConnectionState) stopTimerLocked() {
	if s.initialDataExchangeTimer != nil {
		s.initialDataExchangeTimer.Stop()
		s.initialDataExchangeTimer = nil
	}
	s.timerIsCompletion = false
}

// Shutdown cancels pending timers.
func (s *ConnectionState) Shutdown() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.mu.Unlock()
}

func (s *ConnectionState) PeerType() PeerType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerType
}

func (s *ConnectionState) IsSeedNode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSeedNode
}

func (s *ConnectionState) SetSeedNode(v bool) {
	s.mu.Lock()
	s.isSeedNode = v
	s.mu.Unlock()
}

// LastInitialDataMsg is when the last initial data message was observed.
func (s *ConnectionState) LastInitialDataMsg() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInitialDataMsg
}

func (s *ConnectionState) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerType.String()
}
