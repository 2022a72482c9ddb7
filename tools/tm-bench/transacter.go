package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	// it is ok to use math/rand here: we do not need a cryptographically secure random
	// number generator here and we can run the tests a bit faster
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

const (
	sendTimeout = 10 * time.Second
	// see https://github.com/tendermint/tendermint/blob/master/rpc/lib/server/handlers.go
	pingPeriod = (30 * 9 / 10) * time.Second

	submitMethod = "submit_event"
)

var basePrices = map[string]float64{
	"BTC": 50000,
	"ETH": 3000,
	"SOL": 150,
}

// transacter submits market events to one node over N websocket
// connections at a fixed rate per connection.
type transacter struct {
	Target      string
	Rate        int
	Connections int
	Assets      []string
	conns       []*websocket.Conn
	connsBroken []bool
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     bool

	sent     metrics.Counter
	accepted metrics.Counter
	rejected metrics.Counter

	logger log.Logger
}

func newTransacter(target string, connections, rate int, assets []string, registry metrics.Registry) *transacter {
	return &transacter{
		Target:      target,
		Rate:        rate,
		Connections: connections,
		Assets:      assets,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]bool, connections),
		sent:        metrics.GetOrRegisterCounter("sent", registry),
		accepted:    metrics.GetOrRegisterCounter("accepted", registry),
		rejected:    metrics.GetOrRegisterCounter("rejected", registry),
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Start opens N = `t.Connections` connections to the target and creates read
// and write goroutines for each connection.
func (t *transacter) Start() error {
	t.stopped = false

	rand.Seed(time.Now().Unix())

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}

	t.startingWg.Wait()

	return nil
}

// Stop closes the connections.
func (t *transacter) Stop() {
	t.stopped = true
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

// receiveLoop reads the submit_event responses and counts rejections.
func (t *transacter) receiveLoop(connIndex int) {
	c := t.conns[connIndex]
	defer t.endingWg.Done()
	for {
		var resp jsonrpc.RPCResponse
		if err := c.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err",
					err,
				)
			}
			return
		}
		if resp.Error != nil {
			t.rejected.Inc(1)
			t.logger.Debug("event rejected", "err", resp.Error.Data)
		} else {
			t.accepted.Inc(1)
		}
		if t.stopped || t.connsBroken[connIndex] {
			return
		}
	}
}

// sendLoop generates events at a given rate.
func (t *transacter) sendLoop(connIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := t.logger.With("addr", c.RemoteAddr())

	pingsTicker := time.NewTicker(pingPeriod)
	txsTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		txsTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-txsTicker.C:
			startTime := time.Now()
			endTime := startTime.Add(time.Second)
			numTxSent := t.Rate
			if !started {
				t.startingWg.Done()
				started = true
			}

			now := time.Now()
			for i := 0; i < t.Rate; i++ {
				paramsJSON, err := json.Marshal(t.generateEvent(now))
				if err != nil {
					logger.Error("failed to encode params", "err", err)
					t.connsBroken[connIndex] = true
					return
				}

				c.SetWriteDeadline(now.Add(sendTimeout))
				err = c.WriteJSON(jsonrpc.RPCRequest{
					JSONRPC: "2.0",
					ID:      jsonrpc.JSONRPCIntID(connIndex),
					Method:  submitMethod,
					Params:  json.RawMessage(paramsJSON),
				})
				if err != nil {
					err = errors.Wrap(err,
						fmt.Sprintf("events send failed on connection #%d", connIndex))
					t.connsBroken[connIndex] = true
					logger.Error(err.Error())
					return
				}
				t.sent.Inc(1)

				// cache the time.Now() reads to save time.
				if i%5 == 0 {
					now = time.Now()
					if now.After(endTime) {
						// Plus one accounts for sending this event
						numTxSent = i + 1
						break
					}
				}
			}

			timeToSend := time.Since(startTime)
			logger.Info(fmt.Sprintf("sent %d events", numTxSent), "took", timeToSend)
			if timeToSend < 1*time.Second {
				sleepTime := time.Second - timeToSend
				logger.Debug(fmt.Sprintf("connection #%d is sleeping for %f seconds", connIndex, sleepTime.Seconds()))
				time.Sleep(sleepTime)
			}

		case <-pingsTicker.C:
			// go-rpc server closes the connection in the absence of pings
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write ping message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}
		}

		if t.stopped {
			// To cleanly close a connection, a client should send a close
			// frame and wait for the server to close the connection.
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write close message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}

			return
		}
	}
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// generateEvent returns the params of one submit_event call: a price within
// 5% of the asset's base price. int64 params travel as strings.
func (t *transacter) generateEvent(now time.Time) map[string]interface{} {
	asset := t.Assets[rand.Intn(len(t.Assets))]
	base, ok := basePrices[asset]
	if !ok {
		base = 100
	}
	price := base * (1 + (rand.Float64()-0.5)/10)
	return map[string]interface{}{
		"asset":     asset,
		"price":     price,
		"source":    "tm-bench",
		"timestamp": strconv.FormatInt(now.Unix(), 10),
	}
}
