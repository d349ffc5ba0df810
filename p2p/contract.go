package p2p

import (
	"fmt"
	"log/slog"
)

// ContractViolation reports a broken internal guarantee, for example a
// confirmed connection without a peer address. It logs at error level and
// panics when devMode is set.
func ContractViolation(logger *slog.Logger, devMode bool, msg string, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("contract violation: "+msg, attrs...)
	if devMode {
		panic(fmt.Sprintf("contract violation: %s", msg))
	}
}
