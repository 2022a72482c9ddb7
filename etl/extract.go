package etl

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	cfg "marketbft/config"
	"marketbft/libs/clock"
)

const (
	MockSourceName = "MockData"
	LiveSourceName = "CoinGecko"
)

// RawEvent is an event as delivered by a source, before validation.
type RawEvent struct {
	Asset     string
	Price     float64
	Source    string
	Timestamp int64 // unix seconds
}

// Source yields bounded, deterministically ordered batches of raw events.
type Source interface {
	Name() string
	Extract(ctx context.Context, max int) ([]RawEvent, error)
}

// NewSource builds the source selected by config.
func NewSource(config *cfg.ETLConfig, c clock.Clock, logger log.Logger) (Source, error) {
	switch config.Source {
	case cfg.SourceMock:
		return NewMockSource(config.Seed, c.Now(), MockMalformedEvery(config.MalformedEvery)), nil
	case cfg.SourceLive:
		src := NewLiveSource(config.LiveURL, c, config.MaxRetries, config.RequestTimeout)
		src.SetLogger(logger)
		return src, nil
	default:
		return nil, errors.Errorf("unknown source %q", config.Source)
	}
}

//-----------------------------------------------------------------------------
// MockSource

var mockBasePrices = map[string]float64{
	"BTC": 50000,
	"ETH": 3000,
	"SOL": 150,
}

// DefaultMockAssets is the rotation of the mock source.
var DefaultMockAssets = []string{"BTC", "ETH", "SOL"}

type MockSourceOption func(*MockSource)

// MockAssets replaces the asset rotation. Unknown assets get a base price of 100.
func MockAssets(assets ...string) MockSourceOption {
	return func(ms *MockSource) {
		ms.assets = assets
	}
}

// MockMalformedEvery makes every n-th event malformed, cycling through a
// negative price, an empty source and a NaN price. 0 disables it.
func MockMalformedEvery(n int) MockSourceOption {
	return func(ms *MockSource) {
		ms.malformedEvery = n
	}
}

// MockSource is a seeded market feed. Two sources with the same seed and
// start produce identical streams.
type MockSource struct {
	mtx sync.Mutex
	rng *rand.Rand

	assets         []string
	malformedEvery int

	next  int64 // timestamp of the next event, unix seconds
	count int
}

func NewMockSource(seed int64, start time.Time, options ...MockSourceOption) *MockSource {
	ms := &MockSource{
		rng:    rand.New(rand.NewSource(seed)),
		assets: DefaultMockAssets,
		next:   start.Unix(),
	}
	for _, option := range options {
		option(ms)
	}
	return ms
}

func (ms *MockSource) Name() string { return MockSourceName }

func (ms *MockSource) Extract(ctx context.Context, max int) ([]RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max < 0 {
		max = 0
	}
	ms.mtx.Lock()
	defer ms.mtx.Unlock()

	events := make([]RawEvent, 0, max)
	for i := 0; i < max; i++ {
		events = append(events, ms.nextEvent())
	}
	return events, nil
}

func (ms *MockSource) nextEvent() RawEvent {
	asset := ms.assets[ms.count%len(ms.assets)]
	base, ok := mockBasePrices[asset]
	if !ok {
		base = 100
	}
	ev := RawEvent{
		Asset:     asset,
		Price:     base + float64(ms.rng.Intn(1000))/10,
		Source:    MockSourceName,
		Timestamp: ms.next,
	}

	if ms.malformedEvery > 0 && ms.count%ms.malformedEvery == ms.malformedEvery-1 {
		switch (ms.count / ms.malformedEvery) % 3 {
		case 0:
			ev.Price = -ev.Price
		case 1:
			ev.Source = ""
		case 2:
			ev.Price = math.NaN()
		}
	}

	ms.count++
	ms.next++
	return ev
}

//-----------------------------------------------------------------------------
// LiveSource

var coinSymbols = map[string]string{
	"bitcoin":  "BTC",
	"ethereum": "ETH",
	"solana":   "SOL",
}

// LiveSource polls the CoinGecko simple-price endpoint.
type LiveSource struct {
	url        string
	client     *http.Client
	clock      clock.Clock
	maxRetries int

	// unit of the linear backoff, doubled on 429/403
	backoff time.Duration

	logger log.Logger
}

func NewLiveSource(url string, c clock.Clock, maxRetries int, timeout time.Duration) *LiveSource {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &LiveSource{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		clock:      c,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
		logger:     log.NewNopLogger(),
	}
}

func (ls *LiveSource) SetLogger(l log.Logger) {
	ls.logger = l
}

func (ls *LiveSource) Name() string { return LiveSourceName }

// Extract fetches one quote per listed coin, sorted by asset.
func (ls *LiveSource) Extract(ctx context.Context, max int) ([]RawEvent, error) {
	var lastErr error
	for attempt := 1; attempt <= ls.maxRetries; attempt++ {
		quotes, status, err := ls.fetch(ctx)
		if err == nil {
			return ls.toEvents(quotes, max), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt == ls.maxRetries {
			break
		}

		delay := ls.backoff * time.Duration(attempt)
		if status == http.StatusTooManyRequests || status == http.StatusForbidden {
			delay *= 2
		}
		ls.logger.Info("extract failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.Wrapf(lastErr, "failed after %d attempts", ls.maxRetries)
}

func (ls *LiveSource) fetch(ctx context.Context) (map[string]map[string]float64, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ls.url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "marketbft/0.1")

	resp, err := ls.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "request error")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, errors.Errorf("HTTP status: %s", resp.Status)
	}

	var quotes map[string]map[string]float64
	if err := jsoniter.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "json decode error")
	}
	return quotes, resp.StatusCode, nil
}

func (ls *LiveSource) toEvents(quotes map[string]map[string]float64, max int) []RawEvent {
	now := ls.clock.Now().Unix()
	events := make([]RawEvent, 0, len(quotes))
	for coin, q := range quotes {
		usd, ok := q["usd"]
		if !ok {
			continue
		}
		asset, ok := coinSymbols[coin]
		if !ok {
			asset = strings.ToUpper(coin)
		}
		events = append(events, RawEvent{Asset: asset, Price: usd, Source: LiveSourceName, Timestamp: now})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Asset < events[j].Asset })
	if max >= 0 && len(events) > max {
		events = events[:max]
	}
	return events
}

func (ev RawEvent) String() string {
	return fmt.Sprintf("%s@%v(%s,%d)", ev.Asset, ev.Price, ev.Source, ev.Timestamp)
}
