package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// Transport opens the listening socket and outbound sockets of a node.
type Transport interface {
	Listen(ctx context.Context) (net.Listener, error)
	Dial(ctx context.Context, addr NodeAddress) (net.Conn, error)
}

// TCPTransport connects directly. It is used for local and regtest
// networks where peers advertise plain host:port addresses.
type TCPTransport struct {
	ListenAddress string
	Dialer        net.Dialer
}

func (t *TCPTransport) Listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	addr := t.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func (t *TCPTransport) Dial(ctx context.Context, addr NodeAddress) (net.Conn, error) {
	return t.Dialer.DialContext(ctx, "tcp", addr.FullAddress())
}

// TorTransport dials onion addresses through a Tor SOCKS5 proxy and listens
// on the local port a hidden service forwards to.
type TorTransport struct {
	SocksAddress  string
	ListenAddress string
	Auth          *proxy.Auth
}

func (t *TorTransport) Listen(ctx context.Context) (net.Listener, error) {
	local := &TCPTransport{ListenAddress: t.ListenAddress}
	return local.Listen(ctx)
}

func (t *TorTransport) Dial(ctx context.Context, addr NodeAddress) (net.Conn, error) {
	if t.SocksAddress == "" {
		return nil, errors.New("tor transport: socks address required")
	}
	dialer, err := proxy.SOCKS5("tcp", t.SocksAddress, t.Auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("tor transport: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr.FullAddress())
	}
	return dialer.Dial("tcp", addr.FullAddress())
}
