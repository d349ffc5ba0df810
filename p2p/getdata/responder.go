package getdata

import (
	"log/slog"

	"github.com/thecockatiel/bisq-light-client-sub005/observability/logging"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

// MaxEntriesPerResponse caps one response; the rest is fetched by repeated
// requests.
const MaxEntriesPerResponse = 5000

type responder struct {
	deps
	limit   int
	timeout userthread.Timer
	stopped bool
}

func (r *responder) handle(conn p2p.Conn, nonce int32, excluded [][]byte, isUpdate bool) {
	entries, truncated := r.store.Snapshot(excluded, r.limit)
	resp := &p2p.GetDataResponse{
		RequestNonce: nonce,
		IsUpdate:     isUpdate,
		WasTruncated: truncated,
		Entries:      entries,
	}
	peer, _ := conn.PeerAddress()
	r.timeout = r.exec.RunAfter(requestTimeout, func() {
		r.timeout = nil
		if r.stopped {
			return
		}
		r.stopped = true
		r.logger.Info("data response timed out", logging.MaskField("peer_address", peer.FullAddress()))
		conn.ShutDown(p2p.ReasonSendMsgTimeout, nil)
	})
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
			r.logger.Info("sending data response failed",
				logging.MaskField("peer_address", peer.FullAddress()),
				slog.String("error", err.Error()))
			if addr, ok := conn.PeerAddress(); ok {
				r.peers.HandleConnectionFault(addr, conn)
			}
			return
		}
		r.logger.Debug("data response sent",
			logging.MaskField("peer_address", peer.FullAddress()),
			slog.Int("entries", len(entries)),
			slog.Bool("truncated", truncated))
	})
}
