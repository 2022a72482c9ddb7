package consensus

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"marketbft/types"
)

// NewMetric returns the JSON status item of one node's consensus.
func NewMetric(s Strategy, nodeID int, view int64, n int) *Metric {
	return &Metric{
		Strategy:         s.Name(),
		NodeID:           nodeID,
		View:             view,
		IsPrimary:        Primary(view, n) == nodeID,
		Params:           s.Params(),
		HighestProposed:  0,
		HighestCommitted: 0,
		LastStatus:       types.StatusPending.String(),
	}
}

type Metric struct {
	mtx sync.RWMutex

	Strategy  string `json:"strategy"`
	NodeID    int    `json:"node_id"`
	View      int64  `json:"view"`
	IsPrimary bool   `json:"is_primary"`
	Params    Params `json:"params"`

	HighestProposed  int64     `json:"highest_proposed"`
	HighestCommitted int64     `json:"highest_committed"`
	Commits          int64     `json:"commits"`
	Aborts           int64     `json:"aborts"` // rejected and timed out sequences
	Faults           int64     `json:"faults"`
	LastCommitTime   time.Time `json:"last_commit_time"`
	LastStatus       string    `json:"last_status"`
}

func (m *Metric) JSONString() string {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(m)
	return s
}

func (m *Metric) MarkProposed(seq int64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if seq > m.HighestProposed {
		m.HighestProposed = seq
	}
}

func (m *Metric) MarkCommitted(seq int64, t time.Time) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Commits++
	if seq > m.HighestCommitted {
		m.HighestCommitted = seq
	}
	m.LastCommitTime = t
	m.LastStatus = types.StatusCommitted.String()
}

func (m *Metric) MarkAborted(status types.Status) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Aborts++
	m.LastStatus = status.String()
}

func (m *Metric) MarkFault() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Faults++
}
