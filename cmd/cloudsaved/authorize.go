package main

import (
	"fmt"

	"github.com/arcticdiv/USBHelperLauncher/backend"
	"github.com/arcticdiv/USBHelperLauncher/cloudsave"
	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var authorizeSetDefault bool

var authorizeCmd = &cobra.Command{
	Use:   "authorize <backend>",
	Short: "Run the browser based authorization flow for a backend",
	Long: `Run the browser based authorization flow for a backend and store
the resulting token in the config file. Valid backends are "dropbox"
and "drive".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := cloudsave.ParseBackendType(args[0])
		if err != nil {
			return err
		}
		store, err := loadConfig()
		if err != nil {
			return err
		}
		backends := backend.NewSet(nil, store)
		b, ok := backends.Get(typ)
		if !ok {
			return fmt.Errorf("no backend for type %v", typ)
		}
		if err := b.Authorize(cmd.Context()); err != nil {
			return err
		}
		logrus.Infof("%v authorized", typ.Description())
		if authorizeSetDefault {
			store.Section(config.LauncherSection).Set(config.KeyBackend, typ.String())
			logrus.Infof("%v set as active backend", typ.Description())
		}
		return nil
	},
}

func init() {
	authorizeCmd.Flags().BoolVar(&authorizeSetDefault, "set-default", false, "also make this the active backend")
	Root.AddCommand(authorizeCmd)
}
