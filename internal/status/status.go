// Package status serves render progress over HTTP.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/orchestrator"
)

// Provider reports render progress.
type Provider interface {
	Stats() orchestrator.Stats
}

// Progress is the /progress response body
type Progress struct {
	orchestrator.Stats
	Percent        float64 `json:"percent"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	// ETASeconds extrapolates from frames delivered so far; 0 until the
	// first frame reaches the encoder.
	ETASeconds float64 `json:"eta_seconds"`
}

// Server is the progress/health HTTP server.
type Server struct {
	provider Provider
	started  time.Time
	engine   *gin.Engine
	srv      *http.Server
}

// New builds the router. Call Start to listen.
func New(addr string, provider Provider) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		provider: provider,
		started:  time.Now(),
		engine:   engine,
	}
	engine.GET("/health", s.health)
	engine.GET("/progress", s.progress)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router (tests).
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens in the background. Bind errors are returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	slog.Info("status: server listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/progress"},
	)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status: server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// health is a liveness check; it answers 503 once the render failed.
func (s *Server) health(c *gin.Context) {
	st := s.provider.Stats()
	code := http.StatusOK
	status := "alive"
	if st.State == orchestrator.StateFailed {
		code = http.StatusServiceUnavailable
		status = "failed"
	}
	c.JSON(code, gin.H{
		"status": status,
		"state":  st.State,
		"run_id": st.RunID,
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) progress(c *gin.Context) {
	c.JSON(http.StatusOK, BuildProgress(s.provider.Stats()))
}

// BuildProgress derives completion and ETA from a stats snapshot.
func BuildProgress(st orchestrator.Stats) Progress {
	p := Progress{Stats: st, ElapsedSeconds: st.Elapsed.Seconds()}
	if st.Frames > 0 {
		p.Percent = 100 * float64(st.Delivered) / float64(st.Frames)
	}
	if st.Delivered > 0 && st.Delivered < st.Frames {
		p.ETASeconds = p.ElapsedSeconds * float64(st.Frames-st.Delivered) / float64(st.Delivered)
	}
	return p
}
