package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arcticdiv/USBHelperLauncher/backend"
	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/arcticdiv/USBHelperLauncher/proxy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cloud save endpoints",
	Long: `Serve the cloud save endpoints on the given address. Point the
interception proxy's cloud.wiiuusbhelper.com rewrite at it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadConfig()
		if err != nil {
			return err
		}
		launcher := store.Section(config.LauncherSection)
		hashDir := config.GetDefault(launcher, config.KeySaveHashesDir, filepath.Join(filepath.Dir(configPath), "saveHashes"))

		backends := backend.NewSet(nil, store)
		srv := proxy.New(store, backends, proxy.NewHashCache(hashDir), nil)

		httpServer := &http.Server{
			Addr:    serveAddr,
			Handler: srv.Router(),
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errs := make(chan error, 1)
		go func() {
			logrus.Infof("serving cloud saves on %s (backend %v)", serveAddr, backends.CurrentType())
			errs <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errs:
			return err
		case <-ctx.Done():
		}

		logrus.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:28011", "address to listen on")
	Root.AddCommand(serveCmd)
}
