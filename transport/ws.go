package transport

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/service"

	"marketbft/consensus"
	"marketbft/types"
)

const (
	// ConsensusPath is the websocket endpoint peers dial, with ?from=<id>.
	ConsensusPath = "/consensus"

	writeWait  = 10 * time.Second
	pingPeriod = (30 * 9 / 10) * time.Second
)

// WSTransport carries consensus messages between live nodes. Every peer has
// its own outbound queue and writer goroutine, so Send never blocks the
// caller; the connection is dialed on the first message and redialed after
// a failed write. Inbound connections are served by Handler.
type WSTransport struct {
	service.BaseService

	id       int
	peers    map[int]*peerWriter
	receiver Receiver
	upgrader websocket.Upgrader

	mtx     sync.Mutex
	inbound map[*websocket.Conn]struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

var _ consensus.Sender = (*WSTransport)(nil)

type peerWriter struct {
	id   int
	url  string
	out  chan *types.ConsensusMessage
	conn *websocket.Conn
}

// NewWSTransport returns the transport of node id. peers maps peer ids to
// host:port; an entry for id itself is ignored. receiver may be nil and set
// later with SetReceiver.
func NewWSTransport(id int, peers map[int]string, queueSize int, receiver Receiver) *WSTransport {
	t := &WSTransport{
		id:       id,
		peers:    make(map[int]*peerWriter),
		receiver: receiver,
		inbound:  make(map[*websocket.Conn]struct{}),
		quit:     make(chan struct{}),
	}
	for pid, addr := range peers {
		if pid == id {
			continue
		}
		u := url.URL{
			Scheme:   "ws",
			Host:     addr,
			Path:     ConsensusPath,
			RawQuery: "from=" + strconv.Itoa(id),
		}
		t.peers[pid] = &peerWriter{
			id:  pid,
			url: u.String(),
			out: make(chan *types.ConsensusMessage, queueSize),
		}
	}
	t.BaseService = *service.NewBaseService(nil, "WSTransport", t)
	return t
}

// SetReceiver attaches the node inbound messages are delivered to. It must
// be called before Start.
func (t *WSTransport) SetReceiver(r Receiver) {
	t.receiver = r
}

func (t *WSTransport) OnStart() error {
	if t.receiver == nil {
		return ErrNotRegistered
	}
	for _, pw := range t.peers {
		t.wg.Add(1)
		go t.writeRoutine(pw)
	}
	return nil
}

func (t *WSTransport) OnStop() {
	close(t.quit)
	t.mtx.Lock()
	for c := range t.inbound {
		c.Close()
	}
	t.mtx.Unlock()
	t.wg.Wait()
}

// Peers returns the ids of the known peers, sorted.
func (t *WSTransport) Peers() []int {
	ids := make([]int, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (t *WSTransport) Broadcast(msg *types.ConsensusMessage) {
	for _, id := range t.Peers() {
		t.Send(id, msg)
	}
}

func (t *WSTransport) Send(to int, msg *types.ConsensusMessage) {
	if err := t.trySend(to, msg); err != nil {
		t.Logger.Error("Dropped outbound message", "to", to, "msg", msg, "err", err)
	}
}

func (t *WSTransport) trySend(to int, msg *types.ConsensusMessage) error {
	pw, ok := t.peers[to]
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "%d", to)
	}
	select {
	case pw.out <- msg:
		return nil
	default:
		return errors.Wrapf(ErrPeerQueueFull, "peer %d", to)
	}
}

func (t *WSTransport) writeRoutine(pw *peerWriter) {
	defer t.wg.Done()
	logger := t.Logger.With("peer", pw.id)

	pingsTicker := time.NewTicker(pingPeriod)
	defer pingsTicker.Stop()

	for {
		select {
		case msg := <-pw.out:
			if err := t.write(pw, msg); err != nil {
				logger.Error("Failed to send message", "msg", msg, "err", err)
				pw.close()
			}

		case <-pingsTicker.C:
			if pw.conn == nil {
				continue
			}
			pw.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pw.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Debug("Failed to write ping", "err", err)
				pw.close()
			}

		case <-t.quit:
			if pw.conn != nil {
				// To cleanly close a connection, a client should send a close
				// frame and wait for the server to close the connection.
				pw.conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := pw.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				if err != nil {
					logger.Debug("Failed to write close message", "err", err)
				}
				pw.close()
			}
			return
		}
	}
}

func (t *WSTransport) write(pw *peerWriter, msg *types.ConsensusMessage) error {
	if pw.conn == nil {
		c, _, err := websocket.DefaultDialer.Dial(pw.url, nil)
		if err != nil {
			return errors.Wrapf(err, "dial %s", pw.url)
		}
		pw.conn = c
		t.Logger.Info("Connected to peer", "peer", pw.id, "url", pw.url)
	}
	bz, err := tmjson.Marshal(msg)
	if err != nil {
		return err
	}
	pw.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return pw.conn.WriteMessage(websocket.TextMessage, bz)
}

func (pw *peerWriter) close() {
	if pw.conn != nil {
		pw.conn.Close()
		pw.conn = nil
	}
}

// Handler serves ConsensusPath. It is mounted on the node's HTTP server.
func (t *WSTransport) Handler() http.Handler {
	return http.HandlerFunc(t.serveWS)
}

func (t *WSTransport) serveWS(w http.ResponseWriter, r *http.Request) {
	from, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	if _, ok := t.peers[from]; !ok {
		http.Error(w, "unknown peer", http.StatusForbidden)
		return
	}
	if !t.IsRunning() {
		http.Error(w, "transport not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Logger.Error("Failed to upgrade connection", "from", from, "err", err)
		return
	}

	// OnStop sweeps inbound under mtx, so a connection registered here is
	// either closed by it or refused.
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if !t.IsRunning() {
		conn.Close()
		return
	}
	t.inbound[conn] = struct{}{}
	t.wg.Add(1)
	go t.readRoutine(from, conn)
}

func (t *WSTransport) readRoutine(from int, conn *websocket.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mtx.Lock()
		delete(t.inbound, conn)
		t.mtx.Unlock()
		conn.Close()
	}()
	logger := t.Logger.With("peer", from)

	for {
		_, bz, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Failed to read message", "err", err)
			}
			return
		}
		msg := new(types.ConsensusMessage)
		if err := tmjson.Unmarshal(bz, msg); err != nil {
			logger.Error("Failed to decode message", "err", err)
			continue
		}
		if msg.Sender != from {
			logger.Error("Sender does not match connection", "sender", msg.Sender)
			continue
		}
		if err := t.receiver.Receive(msg, nil); err != nil {
			logger.Error("Failed to deliver message", "msg", msg, "err", err)
		}
	}
}
