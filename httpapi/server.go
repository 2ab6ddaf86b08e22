package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kjk/kvlog/log"
)

const shutdownTimeout = 5 * time.Second

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Serve runs srv on ln until ctx is cancelled, then shuts it down,
// giving in-flight requests up to 5 seconds to finish
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	chServerClosed := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		// mute error caused by Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		chServerClosed <- err
	}()

	select {
	case err := <-chServerClosed:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Logf("http server didn't shut down in %s, closing\n", shutdownTimeout)
		err = srv.Close()
	}
	if err2 := <-chServerClosed; err == nil {
		err = err2
	}
	return err
}

// ListenAndServeUntilSignal serves on srv.Addr until SIGINT or SIGTERM
func ListenAndServeUntilSignal(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	log.Logf("listening on %s\n", ln.Addr())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt /* SIGINT */, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, srv, ln)
}
