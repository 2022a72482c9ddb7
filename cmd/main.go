package main

import (
	"os"
	"path/filepath"

	"github.com/tendermint/tendermint/libs/cli"

	cmd "marketbft/cmd/commands"
	cfg "marketbft/config"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.InitLedgerCmd,
		cmd.GenValidatorCmd,
		cmd.VerifyLedgerCmd,
		cmd.CompareCmd,
		cmd.NewRunNodeCmd(),
		cli.NewCompletionCmd(rootCmd, true),
	)

	cmd := cli.PrepareBaseCmd(rootCmd, "MBFT", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultHomeDir)))
	if err := cmd.Execute(); err != nil {
		panic(err)
	}
}
