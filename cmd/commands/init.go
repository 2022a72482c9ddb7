package commands

import (
	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	cfg "marketbft/config"
	"marketbft/privval"
)

// InitFilesCmd initialises a fresh marketbft home: config, validator key and
// ledger.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize marketbft",
	RunE:  initFiles,
}

func init() {
	InitFilesCmd.Flags().Int("node_id", config.NodeID, "id of this node")
	InitFilesCmd.Flags().Int64("key_seed", config.KeySeed, "seed the validator keys are derived from")
	InitFilesCmd.Flags().String("ledger.backend", config.Ledger.Backend, "ledger backend: goleveldb, memdb or sqlite")

	aliasFlags(InitFilesCmd, map[string]string{
		"node-id": "node_id",
		"seed":    "key_seed",
		"backend": "ledger.backend",
	})
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	// config.toml, written with the flags applied
	configFile := config.ConfigFile()
	cfg.WriteConfigFile(configFile, config)
	logger.Info("Wrote config file", "path", configFile)

	// private validator
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		pv, err := privval.LoadFilePV(privValKeyFile)
		if err != nil {
			return err
		}
		logger.Info("Found private validator", "keyFile", privValKeyFile, "node", pv.NodeID())
	} else {
		pv, err := privval.GenFilePVWithSeedAndIdx(privValKeyFile, config.NodeID, config.KeySeed)
		if err != nil {
			return err
		}
		if err := pv.Save(); err != nil {
			return err
		}
		logger.Info("Generated private validator", "keyFile", privValKeyFile)
	}

	return initLedgerWithConfig(config, "ledger")
}
