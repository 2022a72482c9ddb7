package commands

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}
	cmd.Flags().String("consensus.strategy", "pbft", "")
	cmd.Flags().Int("node_id", 0, "")
	aliasFlags(cmd, map[string]string{
		"consensus": "consensus.strategy",
		"node-id":   "node_id",
	})

	require.NoError(t, cmd.ParseFlags([]string{"--consensus", "gossip", "--node-id", "2"}))
	strategy, err := cmd.Flags().GetString("consensus.strategy")
	require.NoError(t, err)
	assert.Equal(t, "gossip", strategy)
	id, err := cmd.Flags().GetInt("node_id")
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}
