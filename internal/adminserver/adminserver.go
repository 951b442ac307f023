// Package adminserver implements the loopback-only operational surface
// (spec.md §4.9): a single gin engine exposing /healthz and /snapshot.
// Collapsed from vesaaa-opentalon/main.go's dual control/data-plane gin
// engine pattern into one engine, since freetierd has no separate
// control-plane traffic to isolate — see SPEC_FULL.md §4.9 and
// DESIGN.md's Non-goal note about the full container health-endpoint
// suite this deliberately does not implement.
package adminserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkasprzak/freetierd/internal/telemetry"
)

// Server wraps the loopback HTTP server.
type Server struct {
	httpSrv *http.Server
}

// New builds a Server bound to addr (expected to be a 127.0.0.1 address;
// spec.md §4.9 requires the surface never listen on a non-loopback
// interface).
func New(addr string, rec *telemetry.Recorder) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/snapshot", func(c *gin.Context) {
		c.JSON(http.StatusOK, rec.Latest())
	})

	return &Server{httpSrv: &http.Server{Addr: addr, Handler: r}}
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully with a bounded timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
