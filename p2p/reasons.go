package p2p

// CloseConnectionReason classifies why a connection ended.
type CloseConnectionReason int

const (
	ReasonSocketClosed CloseConnectionReason = iota
	ReasonReset
	ReasonSocketTimeout
	ReasonTerminated
	ReasonCorruptedData
	ReasonNoProtoBufferData
	ReasonNoProtoBufferEnv
	ReasonUnknownException

	ReasonAppShutDown
	ReasonCloseRequestedByPeer

	ReasonSendMsgFailure
	ReasonSendMsgTimeout

	ReasonTooManyConnectionsOpen
	ReasonTooManySeedNodesConnected
	ReasonUnknownPeerAddress

	ReasonRuleViolation
	ReasonPeerBanned
	ReasonInvalidClassReceived
	ReasonMandatoryCapabilitiesNotSupported
)

type reasonInfo struct {
	name             string
	sendCloseMessage bool
	isIntended       bool
}

var reasonTable = map[CloseConnectionReason]reasonInfo{
	ReasonSocketClosed:                      {"SOCKET_CLOSED", false, false},
	ReasonReset:                             {"RESET", false, false},
	ReasonSocketTimeout:                     {"SOCKET_TIMEOUT", false, false},
	ReasonTerminated:                        {"TERMINATED", false, false},
	ReasonCorruptedData:                     {"CORRUPTED_DATA", false, true},
	ReasonNoProtoBufferData:                 {"NO_PROTO_BUFFER_DATA", false, true},
	ReasonNoProtoBufferEnv:                  {"NO_PROTO_BUFFER_ENV", false, true},
	ReasonUnknownException:                  {"UNKNOWN_EXCEPTION", false, false},
	ReasonAppShutDown:                       {"APP_SHUT_DOWN", true, true},
	ReasonCloseRequestedByPeer:              {"CLOSE_REQUESTED_BY_PEER", false, true},
	ReasonSendMsgFailure:                    {"SEND_MSG_FAILURE", false, false},
	ReasonSendMsgTimeout:                    {"SEND_MSG_TIMEOUT", false, false},
	ReasonTooManyConnectionsOpen:            {"TOO_MANY_CONNECTIONS_OPEN", true, true},
	ReasonTooManySeedNodesConnected:         {"TOO_MANY_SEED_NODES_CONNECTED", true, true},
	ReasonUnknownPeerAddress:                {"UNKNOWN_PEER_ADDRESS", true, true},
	ReasonRuleViolation:                     {"RULE_VIOLATION", true, false},
	ReasonPeerBanned:                        {"PEER_BANNED", true, false},
	ReasonInvalidClassReceived:              {"INVALID_CLASS_RECEIVED", false, false},
	ReasonMandatoryCapabilitiesNotSupported: {"MANDATORY_CAPABILITIES_NOT_SUPPORTED", false, false},
}

func (r CloseConnectionReason) String() string {
	if info, ok := reasonTable[r]; ok {
		return info.name
	}
	return "UNKNOWN_REASON"
}

// SendCloseMessage reports whether a courtesy CloseConnectionMessage is
// sent before the socket closes.
func (r CloseConnectionReason) SendCloseMessage() bool {
	return reasonTable[r].sendCloseMessage
}

// IsIntended reports whether the close was a deliberate local or remote
// decision rather than a fault.
func (r CloseConnectionReason) IsIntended() bool {
	return reasonTable[r].isIntended
}

// RuleViolation is a protocol policy breach tracked per connection.
type RuleViolation int

const (
	ViolationInvalidDataType RuleViolation = iota
	ViolationWrongNetworkID
	ViolationMaxMsgSizeExceeded
	ViolationThrottleLimitExceeded
	ViolationTooManyReportedPeersSent
	ViolationPeerBanned
	ViolationInvalidClass
)

var violationTable = map[RuleViolation]struct {
	name         string
	maxTolerance int
}{
	ViolationInvalidDataType:          {"INVALID_DATA_TYPE", 2},
	ViolationWrongNetworkID:           {"WRONG_NETWORK_ID", 0},
	ViolationMaxMsgSizeExceeded:       {"MAX_MSG_SIZE_EXCEEDED", 0},
	ViolationThrottleLimitExceeded:    {"THROTTLE_LIMIT_EXCEEDED", 2},
	ViolationTooManyReportedPeersSent: {"TOO_MANY_REPORTED_PEERS_SENT", 2},
	ViolationPeerBanned:               {"PEER_BANNED", 0},
	ViolationInvalidClass:             {"INVALID_CLASS", 0},
}

func (v RuleViolation) String() string {
	if info, ok := violationTable[v]; ok {
		return info.name
	}
	return "UNKNOWN_VIOLATION"
}

// MaxTolerance is how many occurrences a connection survives. The
// occurrence that pushes the count above it closes the connection.
func (v RuleViolation) MaxTolerance() int {
	return violationTable[v].maxTolerance
}

// CloseReason maps a violation to the reason used when it closes a connection.
func (v RuleViolation) CloseReason() CloseConnectionReason {
	switch v {
	case ViolationPeerBanned:
		return ReasonPeerBanned
	case ViolationInvalidClass:
		return ReasonInvalidClassReceived
	default:
		return ReasonRuleViolation
	}
}
