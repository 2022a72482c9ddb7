package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"marketbft/types"
)

type chanReceiver struct {
	ch chan *types.ConsensusMessage
}

func (r *chanReceiver) Receive(msg *types.ConsensusMessage, done chan struct{}) error {
	r.ch <- msg
	if done != nil {
		close(done)
	}
	return nil
}

func TestWSTransportRoundTrip(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	const n = 3
	muxes := make([]*http.ServeMux, n)
	servers := make([]*httptest.Server, n)
	peers := make(map[int]string)
	for i := 0; i < n; i++ {
		muxes[i] = http.NewServeMux()
		servers[i] = httptest.NewServer(muxes[i])
		peers[i] = strings.TrimPrefix(servers[i].URL, "http://")
	}

	receivers := make([]*chanReceiver, n)
	transports := make([]*WSTransport, n)
	for i := 0; i < n; i++ {
		receivers[i] = &chanReceiver{ch: make(chan *types.ConsensusMessage, 16)}
		transports[i] = NewWSTransport(i, peers, 16, receivers[i])
		transports[i].SetLogger(log.TestingLogger().With("node", i))
		muxes[i].Handle(ConsensusPath, transports[i].Handler())
		require.NoError(t, transports[i].Start())
	}
	defer func() {
		for i := 0; i < n; i++ {
			require.NoError(t, transports[i].Stop())
			servers[i].Close()
		}
	}()

	assert.Equal(t, []int{1, 2}, transports[0].Peers())

	block := types.MakeBlock(types.GenesisBlock(), 1704067200000, types.Txs{{
		ID:      "tx-1",
		Payload: types.MarketEvent{Asset: "BTC", Price: 50000.25, Source: "MockData", Timestamp: 1704067200},
	}})
	msg := &types.ConsensusMessage{
		Type:      types.MsgPrePrepare,
		Sequence:  1,
		Digest:    block.Hash,
		Sender:    0,
		To:        types.Broadcast,
		Block:     block,
		Signature: []byte{1, 2, 3},
	}
	transports[0].Broadcast(msg)

	for _, id := range []int{1, 2} {
		select {
		case got := <-receivers[id].ch:
			assert.Equal(t, msg.Digest, got.Digest)
			assert.Equal(t, 0, got.Sender)
			assert.True(t, got.MatchesBlock(), "block must survive the wire unchanged")
			assert.Equal(t, msg.Signature, got.Signature)
		case <-time.After(5 * time.Second):
			t.Fatalf("node %d did not receive the broadcast", id)
		}
	}

	transports[2].Send(1, &types.ConsensusMessage{
		Type: types.MsgPrepare, Sequence: 1, Digest: block.Hash, Sender: 2, To: 1,
	})
	select {
	case got := <-receivers[1].ch:
		assert.Equal(t, types.MsgPrepare, got.Type)
		assert.Equal(t, 2, got.Sender)
	case <-time.After(5 * time.Second):
		t.Fatal("node 1 did not receive the prepare")
	}
}

func TestWSTransportRejectsUnknownPeer(t *testing.T) {
	tr := NewWSTransport(0, map[int]string{1: "127.0.0.1:1"}, 1, &chanReceiver{})
	tr.SetLogger(log.TestingLogger())
	require.NoError(t, tr.Start())
	defer tr.Stop()

	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + ConsensusPath + "?from=9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(srv.URL + ConsensusPath + "?from=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWSTransportQueueFull(t *testing.T) {
	// not started, so nothing drains the queue
	tr := NewWSTransport(0, map[int]string{1: "127.0.0.1:1"}, 1, &chanReceiver{})
	msg := &types.ConsensusMessage{Type: types.MsgPrepare, Sequence: 1, Digest: "aa"}
	assert.NoError(t, tr.trySend(1, msg))
	assert.ErrorIs(t, tr.trySend(1, msg), ErrPeerQueueFull)
	assert.ErrorIs(t, tr.trySend(5, msg), ErrUnknownPeer)
}

func TestWSTransportNeedsReceiver(t *testing.T) {
	tr := NewWSTransport(0, map[int]string{1: "127.0.0.1:1"}, 1, nil)
	tr.SetLogger(log.TestingLogger())
	assert.ErrorIs(t, tr.Start(), ErrNotRegistered)

	tr = NewWSTransport(0, map[int]string{1: "127.0.0.1:1"}, 1, nil)
	tr.SetReceiver(&chanReceiver{})
	require.NoError(t, tr.Start())
	assert.NoError(t, tr.Stop())
}

func TestWSTransportStopClosesInbound(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	tr := NewWSTransport(0, map[int]string{1: "127.0.0.1:1"}, 1, &chanReceiver{})
	tr.SetLogger(log.TestingLogger())
	require.NoError(t, tr.Start())
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + ConsensusPath + "?from=1"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool {
		tr.mtx.Lock()
		defer tr.mtx.Unlock()
		return len(tr.inbound) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Stop())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "stop closes inbound connections")

	// a stopped transport upgrades nothing
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
