package main

import (
	"os"
	"path/filepath"

	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

// Root is the top level command.
var Root = &cobra.Command{
	Use:   "cloudsaved",
	Short: "Cloud save service for USB Helper",
	Long: `cloudsaved serves the endpoints USB Helper expects from its cloud
save service and stores the saves with a configurable backend: the
original service, Dropbox, Google Drive or a local folder.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	Root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the config file")
	Root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "USBHelperLauncher", "launcher.cfg")
}

func loadConfig() (*config.Storage, error) {
	return config.Load(configPath)
}
