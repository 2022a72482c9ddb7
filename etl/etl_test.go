package etl

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cfg "marketbft/config"
	"marketbft/libs/clock"
	"marketbft/mempool"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestValidator(t *testing.T) {
	v := DefaultValidator()
	now := testStart

	testCases := []struct {
		name  string
		ev    RawEvent
		field string
	}{
		{"valid", RawEvent{"BTC", 50000, "MockData", now.Unix()}, ""},
		{"negative price", RawEvent{"BTC", -100, "MockData", now.Unix()}, "price"},
		{"price too high", RawEvent{"BTC", 1000001, "MockData", now.Unix()}, "price"},
		{"nan price", RawEvent{"BTC", math.NaN(), "MockData", now.Unix()}, "price"},
		{"inf price", RawEvent{"BTC", math.Inf(1), "MockData", now.Unix()}, "price"},
		{"negative timestamp", RawEvent{"BTC", 1, "MockData", -1}, "timestamp"},
		{"drift", RawEvent{"BTC", 1, "MockData", now.Unix() + 3601}, "timestamp"},
		{"drift at bound", RawEvent{"BTC", 1, "MockData", now.Unix() - 3600}, ""},
		{"empty asset", RawEvent{"", 1, "MockData", now.Unix()}, "asset"},
		{"long asset", RawEvent{"ABCDEFGHIJK", 1, "MockData", now.Unix()}, "asset"},
		{"empty source", RawEvent{"BTC", 1, "", now.Unix()}, "source"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.ev, now)
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, IsValidationError(err))
			assert.Equal(t, tc.field, err.(ValidationError).Field)
		})
	}
}

func TestNormalizePrice(t *testing.T) {
	assert.Equal(t, 50000.12, NormalizePrice(50000.123))
	assert.Equal(t, 50000.46, NormalizePrice(50000.456))
	assert.Equal(t, 50000.0, NormalizePrice(50000))
	assert.Equal(t, 50001.0, NormalizePrice(50000.999))
}

func TestTransform(t *testing.T) {
	c := clock.NewLogical(testStart)
	tr := NewTransformer(DefaultValidator(), time.Minute, c)

	ts := testStart.Unix()
	tx1, err := tr.Transform(RawEvent{"BTC", 50000.123, "Test", ts})
	require.NoError(t, err)
	assert.Equal(t, 50000.12, tx1.Payload.Price)
	assert.False(t, tx1.Deduplicated)
	assert.Equal(t, testStart.UnixNano()/int64(time.Millisecond), tx1.Timestamp)

	tx2, err := tr.Transform(RawEvent{"BTC", 50100, "Test", ts + 30})
	require.NoError(t, err)
	assert.True(t, tx2.Deduplicated, "within the window")

	tx3, err := tr.Transform(RawEvent{"BTC", 50100, "Test", ts + 120})
	require.NoError(t, err)
	assert.False(t, tx3.Deduplicated, "outside the window")

	tx4, err := tr.Transform(RawEvent{"BTC", 50100, "Other", ts + 125})
	require.NoError(t, err)
	assert.False(t, tx4.Deduplicated, "other source")

	_, err = tr.Transform(RawEvent{"BTC", -1, "Test", ts})
	assert.True(t, IsValidationError(err))
}

func TestTxIDDeterministic(t *testing.T) {
	c := clock.NewLogical(testStart)
	ev := RawEvent{"ETH", 3000.5, "Test", testStart.Unix()}

	a, err := NewTransformer(DefaultValidator(), time.Minute, c).Transform(ev)
	require.NoError(t, err)
	b, err := NewTransformer(DefaultValidator(), time.Minute, c).Transform(ev)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	ev.Price = 3000.51
	d, err := NewTransformer(DefaultValidator(), time.Minute, c).Transform(ev)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, d.ID)
}

func TestMockSourceDeterministic(t *testing.T) {
	ctx := context.Background()
	a, err := NewMockSource(7, testStart).Extract(ctx, 9)
	require.NoError(t, err)
	b, err := NewMockSource(7, testStart).Extract(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	for i, ev := range a {
		assert.Equal(t, DefaultMockAssets[i%3], ev.Asset)
		assert.Equal(t, testStart.Unix()+int64(i), ev.Timestamp)
		base := mockBasePrices[ev.Asset]
		assert.True(t, ev.Price >= base && ev.Price < base+100, "price %v", ev.Price)
	}

	c, err := NewMockSource(8, testStart).Extract(ctx, 9)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMockSourceMalformed(t *testing.T) {
	events, err := NewMockSource(1, testStart, MockMalformedEvery(2)).Extract(context.Background(), 6)
	require.NoError(t, err)

	assert.True(t, events[1].Price < 0)
	assert.Equal(t, "", events[3].Source)
	assert.True(t, math.IsNaN(events[5].Price))
	assert.Equal(t, MockSourceName, events[0].Source)
}

func newTestPipeline(t *testing.T, source Source) (*Pipeline, mempool.Mempool) {
	c := clock.NewLogical(testStart)
	mem := mempool.NewListMempool(cfg.TestConfig().Mempool, 0)
	p := NewPipeline(source, NewTransformer(DefaultValidator(), time.Minute, c), mem)
	p.SetLogger(log.TestingLogger())
	return p, mem
}

func TestPipelineRun(t *testing.T) {
	p, mem := newTestPipeline(t, NewMockSource(42, testStart, MockMalformedEvery(3)))

	stats, err := p.Run(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, Stats{Extracted: 9, Loaded: 6, Dropped: 3}, stats)
	assert.Equal(t, 6, mem.Size())

	txs := mem.ReapMaxTxs(-1)
	assert.Len(t, txs, 6)
	assert.Equal(t, "BTC", txs[0].Payload.Asset)
	assert.Contains(t, p.Metric().JSONString(), `"loaded":6`)
}

func TestPipelineDropsDuplicates(t *testing.T) {
	p, mem := newTestPipeline(t, NewMockSource(42, testStart))

	ev := RawEvent{"SOL", 151.2, "Manual", testStart.Unix()}
	_, err := p.Submit(ev)
	require.NoError(t, err)
	_, err = p.Submit(ev)
	assert.True(t, errors.Is(err, mempool.ErrTxInMap))

	// a drained tx stays refused
	mem.ReapMaxTxs(-1)
	_, err = p.Submit(ev)
	assert.True(t, errors.Is(err, mempool.ErrTxInCache))
	assert.Equal(t, 0, mem.Size())
}

func TestLiveSourceRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ethereum":{"usd":3012.5},"bitcoin":{"usd":50123.45}}`))
	}))
	defer ts.Close()

	c := clock.NewLogical(testStart)
	src := NewLiveSource(ts.URL, c, 3, time.Second)
	src.backoff = time.Millisecond

	events, err := src.Extract(context.Background(), 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	require.Len(t, events, 2)
	assert.Equal(t, RawEvent{"BTC", 50123.45, LiveSourceName, testStart.Unix()}, events[0])
	assert.Equal(t, "ETH", events[1].Asset)
}

func TestLiveSourceGivesUp(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	src := NewLiveSource(ts.URL, clock.System(), 3, time.Second)
	src.backoff = time.Millisecond

	_, err := src.Extract(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}
