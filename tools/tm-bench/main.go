// tm-bench floods a marketbft node with submit_event calls and reports how
// many events were accepted and how far the ledger grew meanwhile.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	rpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"

	"marketbft/rpc"
)

var (
	connections int
	rate        int
	duration    time.Duration
	assets      string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "tm-bench [host:port]",
	Short: "Load a marketbft node with market events",
	Args:  cobra.ExactArgs(1),
	RunE:  bench,
}

func init() {
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "connections to open to the node")
	rootCmd.Flags().IntVarP(&rate, "rate", "r", 100, "events per second per connection")
	rootCmd.Flags().DurationVarP(&duration, "duration", "T", 10*time.Second, "how long to run")
	rootCmd.Flags().StringVar(&assets, "assets", "BTC,ETH,SOL", "comma separated asset rotation")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bench(cmd *cobra.Command, args []string) error {
	target := args[0]
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if !verbose {
		logger = log.NewFilter(logger, log.AllowInfo())
	}

	client, err := rpcclient.New("http://" + target)
	if err != nil {
		return err
	}
	before, err := ledgerStats(client)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	t := newTransacter(target, connections, rate, strings.Split(assets, ","), registry)
	t.SetLogger(logger)
	start := time.Now()
	if err := t.Start(); err != nil {
		return err
	}
	time.Sleep(duration)
	t.Stop()
	elapsed := time.Since(start)

	after, err := ledgerStats(client)
	if err != nil {
		return err
	}

	blocks := after.Height - before.Height
	fmt.Printf("events sent:     %d\n", t.sent.Count())
	fmt.Printf("events accepted: %d\n", t.accepted.Count())
	fmt.Printf("events rejected: %d\n", t.rejected.Count())
	fmt.Printf("blocks:          %d (height %d -> %d)\n", blocks, before.Height, after.Height)
	fmt.Printf("blocks/sec:      %.2f\n", float64(blocks)/elapsed.Seconds())
	return nil
}

func ledgerStats(client *rpcclient.Client) (*rpc.ResultLedgerStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	result := new(rpc.ResultLedgerStats)
	if _, err := client.Call(ctx, "ledger_stats", map[string]interface{}{}, result); err != nil {
		return nil, err
	}
	return result, nil
}
