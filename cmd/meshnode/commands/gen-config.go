package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/meshnode/meshnode/pkg/node"
	"github.com/meshnode/meshnode/pkg/packet"
	"github.com/meshnode/meshnode/pkg/util/pathutil"
)

var genLog = logging.MustGetLogger("meshnode-cli")

var (
	output        string
	replace       bool
	nodeID        uint8
	configLocType = pathutil.WorkingDirLoc
)

func init() {
	rootCmd.AddCommand(genConfigCmd)
	genConfigCmd.Flags().StringVarP(&output, "output", "o", "", "path of output config file. Uses default of 'type' flag if unspecified.")
	genConfigCmd.Flags().BoolVarP(&replace, "replace", "r", false, "whether to allow rewrite of a file that already exists.")
	genConfigCmd.Flags().Uint8VarP(&nodeID, "id", "n", 1, "identifier of the node")
	genConfigCmd.Flags().VarP(&configLocType, "type", "m", fmt.Sprintf("config generation mode. Valid values: %v", pathutil.AllConfigLocationTypes()))
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Generates a config file",
	PreRun: func(_ *cobra.Command, _ []string) {
		if output == "" {
			output = pathutil.NodeDefaults().Get(configLocType)
			genLog.Infof("No 'output' set; using default path: %s", output)
		}
		var err error
		if output, err = filepath.Abs(output); err != nil {
			genLog.WithError(err).Fatalln("invalid output provided")
		}
	},
	Run: func(_ *cobra.Command, _ []string) {
		var conf *node.Config
		switch configLocType {
		case pathutil.WorkingDirLoc:
			conf = defaultConfig()
		case pathutil.HomeLoc:
			conf = homeConfig()
		case pathutil.LocalLoc:
			conf = localConfig()
		default:
			genLog.Fatalln("invalid config type:", configLocType)
		}
		pathutil.WriteJSONConfig(conf, output, replace)
	},
}

func homeConfig() *node.Config {
	c := defaultConfig()
	c.Routing.Location = filepath.Join(pathutil.HomeDir(), ".meshnode/routes.db")
	return c
}

func localConfig() *node.Config {
	c := defaultConfig()
	c.Routing.Location = "/usr/local/meshnode/routes.db"
	return c
}

func defaultConfig() *node.Config {
	conf := &node.Config{}

	conf.NodeID = packet.NodeID(nodeID)
	conf.Transmission.WindowSize = 1
	conf.Transmission.RetryTimeout = node.Duration(2 * time.Second)
	conf.Routing.Location = "./meshnode/routes.db"
	conf.QueueSize = node.DefaultQueueSize
	conf.ShutdownTimeout = node.Duration(10 * time.Second)
	conf.Interfaces.HTTPAddr = "localhost:8000"
	conf.LogLevel = "info"

	return conf
}
