package rpc

import (
	"net"
	"net/http"
	"strings"

	"github.com/tendermint/tendermint/libs/log"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

	"marketbft/transport"
)

const promPath = "/metrics_prom"

// NewServeMux serves the JSON-RPC routes over HTTP and /websocket, the
// node's prometheus registry, and, if consensus is not nil, the peer
// websocket endpoint.
func NewServeMux(consensus http.Handler, maxBodyBytes int64, logger log.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	wm := rpcserver.NewWebsocketManager(Routes, rpcserver.ReadLimit(maxBodyBytes))
	wm.SetLogger(logger.With("protocol", "websocket"))
	mux.HandleFunc("/websocket", wm.WebsocketHandler)
	rpcserver.RegisterRPCFuncs(mux, Routes, logger)

	mux.Handle(promPath, env.Node.Metrics().Handler())
	if consensus != nil {
		mux.Handle(transport.ConsensusPath, consensus)
	}
	return mux
}

// Listen opens laddr, given as host:port or with a tcp:// prefix.
func Listen(laddr string, maxBodyBytes int64) (net.Listener, *rpcserver.Config, error) {
	if !strings.Contains(laddr, "://") {
		laddr = "tcp://" + laddr
	}
	config := rpcserver.DefaultConfig()
	if maxBodyBytes > 0 {
		config.MaxBodyBytes = maxBodyBytes
	}
	listener, err := rpcserver.Listen(laddr, config)
	if err != nil {
		return nil, nil, err
	}
	return listener, config, nil
}

// Serve blocks serving handler on listener until the listener is closed.
func Serve(listener net.Listener, handler http.Handler, config *rpcserver.Config, logger log.Logger) error {
	return rpcserver.Serve(listener, handler, logger, config)
}
