package commands

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	cfg "marketbft/config"
	"marketbft/state"
	"marketbft/store"
)

// InitLedgerCmd creates a ledger holding only the genesis block, or checks
// the tip of an existing one.
var InitLedgerCmd = &cobra.Command{
	Use:     "init-ledger",
	Aliases: []string{"init_ledger", "initledger"},
	Short:   "Initialize the ledger with the genesis block",
	RunE: func(cmd *cobra.Command, args []string) error {
		return initLedgerWithConfig(config, ledgerName)
	},
}

func init() {
	InitLedgerCmd.Flags().String("ledger.backend", config.Ledger.Backend, "ledger backend: goleveldb or sqlite")
	InitLedgerCmd.Flags().String("ledger.dir", config.Ledger.Dir, "ledger directory, relative to home")
	InitLedgerCmd.Flags().StringVar(&ledgerName, "name", "ledger", "ledger name")

	aliasFlags(InitLedgerCmd, map[string]string{
		"backend": "ledger.backend",
		"dir":     "ledger.dir",
	})
}

func initLedgerWithConfig(config *cfg.Config, name string) error {
	if config.Ledger.Backend == cfg.BackendMemDB {
		logger.Info("In-memory ledger needs no initialization")
		return nil
	}
	db, err := store.NewStore(config.Ledger.Backend, name, config.Ledger.LedgerDir())
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := state.LoadState(db)
	if err != nil {
		return errors.Wrapf(err, "init ledger %s", name)
	}
	logger.Info("Ledger ready", "name", name, "dir", config.Ledger.LedgerDir(), "state", st)
	return nil
}
