package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"marketbft/consensus"
	"marketbft/libs/clock"
	"marketbft/types"
)

type envelope struct {
	to  int
	msg *types.ConsensusMessage
}

// Bus is a single FIFO queue shared by n in-process nodes. Nothing moves
// until Step or Drain is called, and each delivery waits for the recipient
// to finish handling it, so a run is a pure function of its inputs.
// Broadcasts are enqueued in ascending recipient id order.
type Bus struct {
	mtx sync.Mutex

	n         int
	clock     *clock.Logical
	hop       time.Duration
	receivers map[int]Receiver
	queue     []envelope
	crashed   map[int]bool

	sent       int64
	deliveries int64
	dropped    int64

	Logger log.Logger
}

// NewBus returns a bus for n nodes. Each delivery advances clk by hop.
func NewBus(n int, clk *clock.Logical, hop time.Duration) *Bus {
	return &Bus{
		n:         n,
		clock:     clk,
		hop:       hop,
		receivers: make(map[int]Receiver),
		crashed:   make(map[int]bool),
		Logger:    log.NewNopLogger(),
	}
}

func (b *Bus) SetLogger(l log.Logger) {
	b.Logger = l
}

func (b *Bus) Size() int {
	return b.n
}

// Register attaches the receiver of node id.
func (b *Bus) Register(id int, r Receiver) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if id < 0 || id >= b.n {
		return errors.Wrapf(ErrUnknownPeer, "id %d", id)
	}
	if _, ok := b.receivers[id]; ok {
		return errors.Wrapf(ErrAlreadyAttached, "id %d", id)
	}
	b.receivers[id] = r
	return nil
}

// Endpoint returns the sender of node id.
func (b *Bus) Endpoint(id int) consensus.Sender {
	return &busEndpoint{bus: b, id: id}
}

// Crash disconnects id: messages from and to it are dropped.
func (b *Bus) Crash(id int) {
	b.mtx.Lock()
	b.crashed[id] = true
	b.mtx.Unlock()
}

func (b *Bus) Recover(id int) {
	b.mtx.Lock()
	delete(b.crashed, id)
	b.mtx.Unlock()
}

func (b *Bus) IsCrashed(id int) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.crashed[id]
}

func (b *Bus) enqueue(from, to int, msg *types.ConsensusMessage) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.crashed[from] {
		b.dropped++
		return
	}
	b.sent++
	b.queue = append(b.queue, envelope{to: to, msg: msg})
}

// Step delivers the head of the queue and waits until it is handled. It
// returns false when the queue is empty.
func (b *Bus) Step(ctx context.Context) (bool, error) {
	b.mtx.Lock()
	if len(b.queue) == 0 {
		b.mtx.Unlock()
		return false, nil
	}
	env := b.queue[0]
	b.queue = b.queue[1:]
	if b.crashed[env.to] {
		b.dropped++
		b.mtx.Unlock()
		return true, nil
	}
	r, ok := b.receivers[env.to]
	b.deliveries++
	b.mtx.Unlock()

	if !ok {
		return true, errors.Wrapf(ErrNotRegistered, "node %d", env.to)
	}
	if b.clock != nil {
		b.clock.Advance(b.hop)
	}

	done := make(chan struct{})
	if err := r.Receive(env.msg, done); err != nil {
		return true, errors.Wrapf(err, "deliver %v to %d", env.msg, env.to)
	}
	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Drain steps until the queue is empty and returns the number of messages
// taken off the queue.
func (b *Bus) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ok, err := b.Step(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

func (b *Bus) Pending() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.queue)
}

// Sent is the number of messages accepted onto the queue.
func (b *Bus) Sent() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.sent
}

func (b *Bus) Deliveries() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.deliveries
}

// Dropped counts messages from or to crashed nodes.
func (b *Bus) Dropped() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.dropped
}

type busEndpoint struct {
	bus *Bus
	id  int
}

func (e *busEndpoint) Broadcast(msg *types.ConsensusMessage) {
	for to := 0; to < e.bus.n; to++ {
		if to != e.id {
			e.bus.enqueue(e.id, to, msg)
		}
	}
}

func (e *busEndpoint) Send(to int, msg *types.ConsensusMessage) {
	if to < 0 || to >= e.bus.n {
		e.bus.Logger.Error("Send to unknown peer", "from", e.id, "to", to, "msg", msg)
		return
	}
	e.bus.enqueue(e.id, to, msg)
}
