package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"marketbft/privval"
)

// GenValidatorCmd生成共识验证者的BLS密钥，密钥由集群种子和节点编号确定
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Short:   "Generate the validator key of this node",
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().Int64("key_seed", config.KeySeed, "随机数种子，集群所有节点的密钥都由它派生")
	GenValidatorCmd.Flags().Int("node_id", config.NodeID, "共识节点的编号，影响节点private key的生成")

	aliasFlags(GenValidatorCmd, map[string]string{
		"seed":    "key_seed",
		"node-id": "node_id",
	})
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		logger.Info("Found private validator", "keyFile", privValKeyFile)
		return nil
	}

	pv, err := privval.GenFilePVWithSeedAndIdx(privValKeyFile, config.NodeID, config.KeySeed)
	if err != nil {
		return err
	}
	if err := pv.Save(); err != nil {
		return err
	}
	logger.Info("Generated private validator", "keyFile", privValKeyFile)

	jsbz, err := tmjson.Marshal(struct {
		NodeID int    `json:"node_id"`
		PubKey string `json:"pub_key"`
	}{pv.NodeID(), pv.Key.PubKey.String()})
	if err != nil {
		return err
	}
	fmt.Println(string(jsbz))
	return nil
}
