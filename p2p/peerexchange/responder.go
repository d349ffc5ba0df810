package peerexchange

import (
	"log/slog"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const responseTimeout = 60 * time.Second

// responder answers one GetPeersRequest and merges the requester's peers.
type responder struct {
	deps
	timeout userthread.Timer
	stopped bool
}

func (r *responder) handle(env *p2p.Envelope, req *p2p.GetPeersRequest, conn p2p.Conn) {
	requester, ok := conn.PeerAddress()
	if !ok {
		r.logger.Warn("peers request without sender address", slog.String("uid", conn.UID()))
		conn.ReportInvalidRequest(p2p.ViolationInvalidDataType)
		return
	}
	r.timeout = r.exec.RunAfter(responseTimeout, func() {
		r.timeout = nil
		if r.stopped {
			return
		}
		r.stopped = true
		r.logger.Info("peers response timed out", logging.MaskField("peer_address", requester.FullAddress()))
		conn.ShutDown(p2p.ReasonSendMsgTimeout, nil)
	})

	resp := &p2p.GetPeersResponse{RequestNonce: req.Nonce, ReportedPeers: r.peers.PeersForExchange(&requester)}
	r.network.SendMessageOnConnection(conn, r.network.NewEnvelope(resp), func(_ p2p.Conn, err error) {
		if r.stopped {
			return
		}
		r.stopped = true
		if r.timeout != nil {
			r.timeout.Stop()
			r.timeout = nil
		}
		if err != nil {
			r.logger.Info("sending peers response failed",
				logging.MaskField("peer_address", requester.FullAddress()),
				slog.String("error", err.Error()))
			r.peers.HandleConnectionFault(requester, conn)
		}
	})
	r.peers.AddToReportedPeers(req.ReportedPeers, conn, env.Capabilities)
}
