// rpc_test submits one market event to a node and prints what the read
// surface reports afterwards.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	rpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"

	"marketbft/rpc"
)

const callTimeout = 10 * time.Second

var (
	asset string
	price float64
	wait  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "rpc_test [host:port]",
	Short: "Submit an event and query the ledger of a marketbft node",
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&asset, "asset", "BTC", "asset of the submitted event")
	rootCmd.Flags().Float64Var(&price, "price", 50000, "price of the submitted event")
	rootCmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "time to wait for the event to be committed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func call(client *rpcclient.Client, method string, params map[string]interface{}, result interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	_, err := client.Call(ctx, method, params, result)
	return err
}

func show(v interface{}) {
	bz, err := tmjson.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(string(bz))
}

func run(cmd *cobra.Command, args []string) error {
	target := "127.0.0.1:26657"
	if len(args) == 1 {
		target = args[0]
	}
	client, err := rpcclient.New("http://" + target)
	if err != nil {
		return err
	}

	submitted := new(rpc.ResultSubmitEvent)
	err = call(client, "submit_event", map[string]interface{}{
		"asset":     asset,
		"price":     price,
		"source":    "rpc_test",
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	}, submitted)
	if err != nil {
		return err
	}
	show(submitted)

	time.Sleep(wait)

	stats := new(rpc.ResultLedgerStats)
	if err := call(client, "ledger_stats", map[string]interface{}{}, stats); err != nil {
		return err
	}
	show(stats)

	status := new(rpc.ResultConsensusStatus)
	seq := strconv.FormatInt(stats.Height, 10)
	if err := call(client, "consensus_status", map[string]interface{}{"seq": seq}, status); err != nil {
		return err
	}
	show(status)

	verify := new(rpc.ResultVerifyLedger)
	if err := call(client, "verify_ledger", map[string]interface{}{}, verify); err != nil {
		return err
	}
	show(verify)
	return nil
}
