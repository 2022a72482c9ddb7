package etl

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

type etlMetric struct {
	mtx          sync.RWMutex
	Extracted    int64 `json:"extracted"`
	Loaded       int64 `json:"loaded"`
	Dropped      int64 `json:"dropped"`
	Deduplicated int64 `json:"deduplicated"` // loaded but flagged
}

func (em *etlMetric) JSONString() string {
	em.mtx.RLock()
	defer em.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(em)
	return s
}

func (em *etlMetric) mark(stats Stats, dedup int) {
	em.mtx.Lock()
	defer em.mtx.Unlock()
	em.Extracted += int64(stats.Extracted)
	em.Loaded += int64(stats.Loaded)
	em.Dropped += int64(stats.Dropped)
	em.Deduplicated += int64(dedup)
}
