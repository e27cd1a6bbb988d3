package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// ShutdownGrace bounds how long serveWithGracefulShutdown waits for
// in-flight requests to drain after SIGINT/SIGTERM before forcing the
// listener closed.
const ShutdownGrace = 10 * time.Second

// serveWithGracefulShutdown runs httpSrv.ListenAndServe, and on
// SIGINT/SIGTERM calls stop (to unwind any supervisors waiting on a
// shared context) followed by httpSrv.Shutdown.
func serveWithGracefulShutdown(httpSrv *http.Server, stop func()) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logging.Log.WithField("signal", sig.String()).Info("received shutdown signal, draining")
		stop()
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			return err
		}
		return nil
	}
}
