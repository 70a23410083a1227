package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/esa/nmf-mission-ops-sat-sub001/internal/pathutil"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/cfp"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/node"
)

var (
	output        string
	replace       bool
	nodeID        = cfp.NodeSEPP
	configLocType = pathutil.WorkingDirLoc
)

func init() {
	rootCmd.AddCommand(genConfigCmd)
	genConfigCmd.Flags().StringVarP(&output, "output", "o", "", "path of output config file. Uses default of 'type' flag if unspecified.")
	genConfigCmd.Flags().BoolVarP(&replace, "replace", "r", false, "whether to allow rewrite of a file that already exists.")
	genConfigCmd.Flags().VarP(&configLocType, "type", "m", fmt.Sprintf("config generation mode. Valid values: %v", pathutil.AllConfigLocationTypes()))
	genConfigCmd.Flags().VarP(&nodeFlag{&nodeID}, "node", "n", "node identity, e.g. SEPP or nanomind")
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "generates a configuration file",
	PreRun: func(_ *cobra.Command, _ []string) {
		if output == "" {
			var err error
			if output, err = pathutil.CFPDefaults().Get(configLocType); err != nil {
				log.WithError(err).Fatalln("no default path")
			}
			log.Infof("no 'output,o' flag is empty, using default path: %s", output)
		}
		var err error
		if output, err = filepath.Abs(output); err != nil {
			log.WithError(err).Fatalln("invalid output provided")
		}
	},
	Run: func(_ *cobra.Command, _ []string) {
		conf, err := generateConfig(configLocType, nodeID)
		if err != nil {
			log.Fatalln(err)
		}
		if err := pathutil.WriteJSONConfig(conf, output, replace); err != nil {
			log.WithError(err).Fatalln("failed to write config")
		}
	},
}

// generateConfig returns the default config for loc. Home and local
// configs persist the retransmission store next to the config file.
func generateConfig(loc pathutil.ConfigLocationType, id cfp.Node) (*node.Config, error) {
	conf := node.DefaultConfig()
	conf.Node.ID = id
	if id == cfp.NodeCCSDS {
		conf.Node.DefaultDestination = cfp.NodeSEPP
	}
	switch loc {
	case pathutil.WorkingDirLoc:
	case pathutil.HomeLoc:
		home, err := pathutil.HomeDir()
		if err != nil {
			return nil, err
		}
		conf.Retransmission.Store.Type = node.StoreBoltDB
		conf.Retransmission.Store.Location = filepath.Join(home, ".cfp", "retransmission.db")
	case pathutil.LocalLoc:
		conf.Retransmission.Store.Type = node.StoreBoltDB
		conf.Retransmission.Store.Location = "/usr/local/cfp/retransmission.db"
	default:
		return nil, fmt.Errorf("invalid config type: %s", loc)
	}
	return conf, conf.Validate()
}

// nodeFlag adapts cfp.Node to pflag.Value.
type nodeFlag struct{ n *cfp.Node }

func (f nodeFlag) String() string {
	if f.n == nil {
		return ""
	}
	return f.n.String()
}

func (f nodeFlag) Set(s string) error {
	n, err := cfp.ParseNode(s)
	if err != nil {
		return err
	}
	*f.n = n
	return nil
}

func (f nodeFlag) Type() string { return "cfp.Node" }
