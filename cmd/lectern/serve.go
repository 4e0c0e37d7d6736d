package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/caffeineduck/lectern/notebook"
	"github.com/charmbracelet/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for snippet execution",
	Long: `Start an HTTP server that runs snippets on the shared interpreter.

Endpoints:
  POST   /run       Run a snippet, body {"code":"...","timeout":"10s"}
  POST   /warmup    Start loading the interpreter in the background
  GET    /status    Load state of the interpreter
  GET    /health    Health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Address to listen on")
	serveCmd.Flags().StringSlice("allow-origin", []string{"*"}, "Allowed CORS origin (repeatable)")
	serveCmd.Flags().Bool("warmup", false, "Load the interpreter at startup")
	rootCmd.AddCommand(serveCmd)
}

const requestIDKey = "request_id"

type runRequest struct {
	Code    string `json:"code"`
	Timeout string `json:"timeout,omitempty"`
}

type runResponse struct {
	Text       string                   `json:"text"`
	Images     []notebook.ImageArtifact `json:"images"`
	Error      string                   `json:"error,omitempty"`
	DurationMs int64                    `json:"duration_ms"`
	RequestID  string                   `json:"request_id"`
}

type statusResponse struct {
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
	Attempts int64  `json:"attempts"`
}

type server struct {
	app    *app
	logger *log.Logger
}

func newServer(a *app) *server {
	return &server{app: a, logger: a.logger.WithPrefix("http")}
}

func (s *server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if origins := s.app.cfg.Server.AllowedOrigins; len(origins) > 0 {
		cfg := cors.Config{
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type"},
			ExposeHeaders: []string{"Content-Length", "X-Request-ID"},
			MaxAge:        12 * time.Hour,
		}
		if slices.Contains(origins, "*") {
			cfg.AllowAllOrigins = true
		} else {
			cfg.AllowOrigins = origins
		}
		router.Use(cors.New(cfg))
	}
	router.Use(s.requestLogger())

	router.POST("/run", s.handleRun)
	router.POST("/warmup", s.handleWarmup)
	router.GET("/status", s.handleStatus)
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

// requestLogger tags each request with an id and logs it once served.
func (s *server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := uuid.NewString()
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)

		c.Next()

		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		s.logger.Info(c.Request.Method+" "+path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"id", id,
		)
	}
}

func (s *server) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code required"})
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid timeout %q", req.Timeout)})
			return
		}
		timeout = d
	}

	res := s.app.session(timeout).Run(c.Request.Context(), req.Code)

	images := res.Images
	if images == nil {
		images = []notebook.ImageArtifact{}
	}
	c.JSON(http.StatusOK, runResponse{
		Text:       res.Text,
		Images:     images,
		Error:      res.Error,
		DurationMs: res.Duration.Milliseconds(),
		RequestID:  c.GetString(requestIDKey),
	})
}

func (s *server) handleWarmup(c *gin.Context) {
	go s.warmup()
	c.JSON(http.StatusAccepted, s.status())
}

func (s *server) warmup() {
	if _, err := s.app.loader.EnsureReady(context.Background()); err != nil {
		s.logger.Warn("warmup failed", "err", err)
	}
}

func (s *server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status())
}

func (s *server) status() statusResponse {
	st := s.app.loader.Status()
	resp := statusResponse{State: st.State.String(), Attempts: st.Attempts}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	s := newServer(a)
	if warm, _ := cmd.Flags().GetBool("warmup"); warm {
		go s.warmup()
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	a.logger.Print("lectern server listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-cmd.Context().Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
