package etl

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"marketbft/libs/metric"
	"marketbft/mempool"
	"marketbft/types"
)

// Stats is the outcome of one pipeline run.
type Stats struct {
	Extracted int `json:"extracted"`
	Loaded    int `json:"loaded"`
	Dropped   int `json:"dropped"`
}

// Pipeline moves events from a source through the transformer into a
// node's mempool.
type Pipeline struct {
	source      Source
	transformer *Transformer
	mempool     mempool.Mempool

	metric *etlMetric
	logger log.Logger
}

func NewPipeline(source Source, transformer *Transformer, mem mempool.Mempool) *Pipeline {
	return &Pipeline{
		source:      source,
		transformer: transformer,
		mempool:     mem,
		metric:      &etlMetric{},
		logger:      log.NewNopLogger(),
	}
}

func (p *Pipeline) SetLogger(l log.Logger) {
	p.logger = l
}

// Metric returns the JSON metric item of this pipeline.
func (p *Pipeline) Metric() metric.MetricItem {
	return p.metric
}

// Run extracts up to max events, transforms them and loads the survivors.
// Invalid events and duplicates are dropped and logged, only an extraction
// failure is returned.
func (p *Pipeline) Run(ctx context.Context, max int) (Stats, error) {
	var stats Stats
	events, err := p.source.Extract(ctx, max)
	if err != nil {
		return stats, errors.Wrapf(err, "extract from %s", p.source.Name())
	}
	stats.Extracted = len(events)

	dedup := 0
	for _, ev := range events {
		tx, err := p.load(ev)
		if err != nil {
			stats.Dropped++
			continue
		}
		stats.Loaded++
		if tx.Deduplicated {
			dedup++
		}
	}
	p.metric.mark(stats, dedup)
	p.logger.Debug("etl run", "source", p.source.Name(), "extracted", stats.Extracted,
		"loaded", stats.Loaded, "dropped", stats.Dropped)
	return stats, nil
}

// Submit pushes a single externally supplied event through transform and load.
func (p *Pipeline) Submit(ev RawEvent) (types.Tx, error) {
	tx, err := p.load(ev)
	stats := Stats{Extracted: 1}
	dedup := 0
	if err != nil {
		stats.Dropped = 1
	} else {
		stats.Loaded = 1
		if tx.Deduplicated {
			dedup = 1
		}
	}
	p.metric.mark(stats, dedup)
	return tx, err
}

func (p *Pipeline) load(ev RawEvent) (types.Tx, error) {
	tx, err := p.transformer.Transform(ev)
	if err != nil {
		p.logger.Info("dropped invalid event", "event", ev, "err", err)
		return tx, err
	}
	if err := p.mempool.CheckTx(tx, mempool.TxInfo{SenderID: mempool.UnknownPeerID, Source: p.source.Name()}); err != nil {
		p.logger.Info("dropped tx", "tx", tx.ID, "err", err)
		return tx, err
	}
	return tx, nil
}
