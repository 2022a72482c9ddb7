package commands

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"marketbft/store"
)

var ledgerName string

// VerifyLedgerCmd replays the integrity check over a stored ledger.
var VerifyLedgerCmd = &cobra.Command{
	Use:     "verify-ledger",
	Aliases: []string{"verify_ledger"},
	Short:   "Check the hash chain of a stored ledger",
	RunE:    verifyLedger,
}

func init() {
	VerifyLedgerCmd.Flags().String("ledger.backend", config.Ledger.Backend, "ledger backend: goleveldb or sqlite")
	VerifyLedgerCmd.Flags().String("ledger.dir", config.Ledger.Dir, "ledger directory, relative to home")
	VerifyLedgerCmd.Flags().StringVar(&ledgerName, "name", "ledger", "ledger name, node<N> for offline clusters")

	aliasFlags(VerifyLedgerCmd, map[string]string{
		"backend": "ledger.backend",
		"dir":     "ledger.dir",
	})
}

func verifyLedger(cmd *cobra.Command, args []string) error {
	db, err := store.NewStore(config.Ledger.Backend, ledgerName, config.Ledger.LedgerDir())
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}
	if stats.Total == 0 {
		return errors.Wrapf(store.ErrNotFound, "ledger %s in %s is empty", ledgerName, config.Ledger.LedgerDir())
	}
	if err := store.VerifyChain(db); err != nil {
		logger.Error("Ledger is corrupt", "name", ledgerName, "err", err)
		return err
	}
	logger.Info("Ledger is valid", "name", ledgerName, "blocks", stats.Total,
		"from", stats.MinIndex, "to", stats.MaxIndex)
	fmt.Printf("valid: %d blocks, height %d\n", stats.Total, stats.MaxIndex)
	return nil
}
