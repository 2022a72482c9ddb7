package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"

	"marketbft/harness"
)

var compareJSON bool

// CompareCmd replays one seeded workload through the selected strategies and
// prints the comparison.
var CompareCmd = &cobra.Command{
	Use:     "compare",
	Aliases: []string{"bench"},
	Short:   "Compare consensus strategies on an in-process cluster",
	RunE:    compare,
}

func init() {
	CompareCmd.Flags().Int64("harness.seed", config.Harness.Seed, "seed of the workload")
	CompareCmd.Flags().Int("harness.blocks", config.Harness.Blocks, "blocks proposed per strategy")
	CompareCmd.Flags().Int("harness.txs_per_block", config.Harness.TxsPerBlock, "transactions extracted per block")
	CompareCmd.Flags().String("harness.strategies", config.Harness.Strategies, "comma separated strategies, or all")
	CompareCmd.Flags().String("harness.byzantine", config.Harness.Byzantine, "comma separated ids of equivocating nodes")
	CompareCmd.Flags().String("harness.crashed", config.Harness.Crashed, "comma separated ids of crashed nodes")
	CompareCmd.Flags().Int("consensus.nodes", config.Consensus.Nodes, "number of nodes in the cluster")
	CompareCmd.Flags().Int("consensus.window", config.Consensus.Window, "max sequences in flight")
	CompareCmd.Flags().Bool("consensus.sign_messages", config.Consensus.SignMessages, "sign and verify consensus messages")
	CompareCmd.Flags().BoolVar(&compareJSON, "json", false, "print the report as JSON")

	aliasFlags(CompareCmd, map[string]string{
		"seed":          "harness.seed",
		"blocks":        "harness.blocks",
		"txs-per-block": "harness.txs_per_block",
		"strategies":    "harness.strategies",
		"byzantine":     "harness.byzantine",
		"crashed":       "harness.crashed",
		"nodes":         "consensus.nodes",
		"window":        "consensus.window",
		"sign":          "consensus.sign_messages",
	})
}

func compare(cmd *cobra.Command, args []string) error {
	hlogger := logger
	if compareJSON {
		// keep stdout parseable
		hlogger = log.NewFilter(logger, log.AllowError())
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report, err := harness.NewHarness(config, hlogger).Run(ctx)
	if err != nil {
		return err
	}
	if compareJSON {
		bz, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Println(string(bz))
		return nil
	}
	return report.WriteTable(os.Stdout)
}
