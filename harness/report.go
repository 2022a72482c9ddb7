package harness

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"

	"marketbft/consensus"
	"marketbft/libs/utils"
)

// StrategyResult is what one strategy run measured. Latencies are logical
// milliseconds from proposal until the proposer saw the commit.
type StrategyResult struct {
	Strategy string           `json:"strategy"`
	Kind     string           `json:"kind"`
	Params   consensus.Params `json:"params"`

	LatencyMean   float64 `json:"latency_mean"`
	LatencyStdDev float64 `json:"latency_stddev"`
	LatencyP50    float64 `json:"latency_p50"`
	LatencyP95    float64 `json:"latency_p95"`
	LatencyMax    float64 `json:"latency_max"`
	Throughput    float64 `json:"throughput"` // committed blocks per logical second

	Commits int64 `json:"commits"`
	Aborts  int64 `json:"aborts"`  // timed out or rejected
	Stalled int64 `json:"stalled"` // proposals refused by a full window
	Height  int64 `json:"height"`

	Messages          int64   `json:"messages"`
	MessagesPerCommit float64 `json:"messages_per_commit"`
	Faults            int     `json:"faults"`

	Agreement   bool    `json:"agreement"`
	Replication float64 `json:"replication"`

	LogicalTimeMs float64 `json:"logical_time_ms"`

	DecentralizationScore float64 `json:"decentralization_score"`
	SecurityScore         float64 `json:"security_score"`
	ScalabilityScore      float64 `json:"scalability_score"`
}

type Report struct {
	Seed        int64 `json:"seed"`
	Nodes       int   `json:"nodes"`
	Blocks      int   `json:"blocks"`
	TxsPerBlock int   `json:"txs_per_block"`
	Window      int   `json:"window"`
	Byzantine   []int `json:"byzantine"`
	Crashed     []int `json:"crashed"`

	Results []*StrategyResult `json:"results"`

	WallTime time.Duration `json:"-"`
}

//-----------------------------------------------------------------------------
// Trilemma scores, each in [0, 5].

const maxScore = 5.0

// Decentralization grows with the share of nodes a commit needs.
func Decentralization(params consensus.Params, n int) float64 {
	if n <= 0 {
		return 0
	}
	return round2(maxScore * utils.Clamp(float64(params.Quorum)/float64(n), 0, 1))
}

// Security gives half the score to Byzantine tolerance and half to crash
// tolerance, each relative to the optimum for n nodes.
func Security(params consensus.Params, n int) float64 {
	fmax := (n - 1) / 3
	cmax := (n - 1) / 2
	score := 0.0
	if fmax > 0 {
		score += maxScore / 2 * utils.Clamp(float64(params.ByzantineTolerance)/float64(fmax), 0, 1)
	}
	if cmax > 0 {
		score += maxScore / 2 * utils.Clamp(float64(params.CrashTolerance)/float64(cmax), 0, 1)
	}
	return round2(score)
}

// Scalability falls with the messages spent per commit.
func Scalability(n int, msgsPerCommit float64) float64 {
	if n <= 0 {
		return 0
	}
	return round2(maxScore * float64(n) / (float64(n) + msgsPerCommit))
}

func round2(v float64) float64 {
	return utils.Round(v, 2)
}

//-----------------------------------------------------------------------------
// Output

// JSON renders the report, wall time excluded.
func (r *Report) JSON() ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(r, "", "  ")
}

// WriteTable renders one row per strategy.
func (r *Report) WriteTable(out io.Writer) error {
	fmt.Fprintf(out, "seed=%d nodes=%d blocks=%d txs/block=%d window=%d byzantine=%v crashed=%v\n\n",
		r.Seed, r.Nodes, r.Blocks, r.TxsPerBlock, r.Window, r.Byzantine, r.Crashed)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Strategy\tCommits\tAborts\tStalled\tLatency mean\tLatency stddev\tLatency max\tThroughput\tMsgs/commit\tAgreement\tDecentr.\tSecurity\tScalab.\t")
	for _, res := range r.Results {
		agreement := "yes"
		if !res.Agreement {
			agreement = "FORK"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.2fms\t%.2fms\t%.2fms\t%.2f/s\t%.1f\t%s\t%.2f\t%.2f\t%.2f\t\n",
			res.Strategy, res.Commits, res.Aborts, res.Stalled,
			res.LatencyMean, res.LatencyStdDev, res.LatencyMax, res.Throughput, res.MessagesPerCommit,
			agreement, res.DecentralizationScore, res.SecurityScore, res.ScalabilityScore)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if r.WallTime > 0 {
		fmt.Fprintf(out, "\nwall time %v\n", r.WallTime.Round(time.Millisecond))
	}
	return nil
}
