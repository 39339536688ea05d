package workers

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"gohivebridge/workers/handlers"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type HTTPConfig struct {
	Port   int
	UseSSL bool
	// used when UseSSL is set
	CertFile string
	KeyFile  string
}

func NewRouter(api *handlers.API, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Options("/*", CORSHeaders)

	r.Get("/state", api.State)
	r.Get("/health", api.HealthCheck)

	r.Get("/balance/hive", api.BalanceHive)
	r.Get("/balance/evm", api.BalanceEVM)

	r.Get("/stats/deposits/{status}", api.GetDeposits)
	r.Get("/stats/outbound/{status}", api.GetOutbound)
	r.Get("/stats/refunds/{status}", api.GetRefunds)

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

// Worker_HTTP serves handler until ctx ends, then shuts the server down.
func Worker_HTTP(ctx context.Context, handler http.Handler, cfg HTTPConfig, log *zap.SugaredLogger) error {
	log.Infow("starting HTTP service", "port", cfg.Port, "ssl", cfg.UseSSL)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.UseSSL {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return errors.Wrap(err, "load certificate")
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.UseSSL {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.Wrap(err, "HTTP service")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP service shutdown")
	}
	log.Infow("HTTP service stopped")
	return nil
}

func CORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, Origin, X-Requested-With")
}
