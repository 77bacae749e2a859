// Package api exposes the capture machine over HTTP: status, mode changes,
// manual exposure correction, stored evaluations and an MJPEG preview.
package api

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/exposure"
	"codeberg.org/mutker/hdrvideo/internal/histogram"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"codeberg.org/mutker/hdrvideo/internal/metrics"
	"codeberg.org/mutker/hdrvideo/internal/mode"
	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
)

const (
	defaultEvaluations = 50
	maxEvaluations     = 1000
	shutdownTimeout    = 5 * time.Second
)

// Machine is the part of the capture machine the API drives.
type Machine interface {
	Mode() mode.Mode
	MeteringPolicy() mode.Policy
	Stats() histogram.Stats
	SetMode(ctx context.Context, target mode.Mode) error
}

// Controller is the part of the exposure controller the API drives.
type Controller interface {
	Snapshot() exposure.Parameters
	State() exposure.State
	AdjustUnderexposure(f float64) exposure.Parameters
	AdjustOverexposure(f float64) exposure.Parameters
}

// History serves stored evaluations.
type History interface {
	Recent(ctx context.Context, limit int) ([]metrics.Record, error)
}

// Status is the payload of GET /api/status.
type Status struct {
	Mode       string              `json:"mode"`
	Policy     string              `json:"policy"`
	Controller string              `json:"controller"`
	Parameters exposure.Parameters `json:"parameters"`
	Histogram  histogram.Stats     `json:"histogram"`
	Viewers    int                 `json:"viewers"`
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type exposureRequest struct {
	Factor *float64 `json:"factor" binding:"required"`
}

type Option func(*Server)

func WithPreview(p *Preview) Option {
	return func(s *Server) { s.preview = p }
}

// WithHistory enables GET /api/evaluations.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

type Server struct {
	addr    string
	machine Machine
	ctrl    Controller
	preview *Preview
	history History
	engine  *gin.Engine
}

func New(addr string, machine Machine, ctrl Controller, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		machine: machine,
		ctrl:    ctrl,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(requestLogger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	apiRouter := r.Group("/api")
	apiRouter.GET("/status", s.getStatus)
	apiRouter.PUT("/mode", s.putMode)
	apiRouter.PUT("/exposure/:channel", s.putExposure)
	apiRouter.GET("/evaluations", s.listEvaluations)
	apiRouter.GET("/preview", s.streamPreview)

	s.engine = r

	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens until ctx is done, then shuts the server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errFactory := errors.New()

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info().Str("listen", s.addr).Msg("HTTP server started")

	select {
	case err := <-serveErr:
		if err != nil {
			return errFactory.Wrap(ErrServeFailed, err)
		}
		return nil
	case <-ctx.Done():
	}

	// Streams only end when their subscription does.
	if s.preview != nil {
		s.preview.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(ErrShutdownFailed, err)
	}
	logger.Info().Msg("HTTP server shut down")

	return nil
}

func (s *Server) status() Status {
	st := Status{
		Mode:       s.machine.Mode().String(),
		Policy:     s.machine.MeteringPolicy().String(),
		Controller: s.ctrl.State().String(),
		Parameters: s.ctrl.Snapshot(),
		Histogram:  s.machine.Stats(),
	}
	if s.preview != nil {
		st.Viewers = s.preview.Subscribers()
	}

	return st
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, jsend.Success(s.status()))
}

func (s *Server) putMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}

	target, err := mode.Parse(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(fmt.Sprintf("unknown mode %q", req.Mode)))
		return
	}

	if err := s.machine.SetMode(c.Request.Context(), target); err != nil {
		modeErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(s.status()))
}

func (s *Server) putExposure(c *gin.Context) {
	var adjust func(float64) exposure.Parameters
	switch c.Param("channel") {
	case "under":
		adjust = s.ctrl.AdjustUnderexposure
	case "over":
		adjust = s.ctrl.AdjustOverexposure
	default:
		c.JSON(http.StatusNotFound, jsend.SimpleErr(fmt.Sprintf("unknown channel %q", c.Param("channel"))))
		return
	}

	var req exposureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}

	c.JSON(http.StatusOK, jsend.Success(adjust(*req.Factor)))
}

func (s *Server) listEvaluations(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("metrics are disabled"))
		return
	}

	limit := defaultEvaluations
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, jsend.SimpleErr(fmt.Sprintf("invalid limit %q", q)))
			return
		}
		limit = min(n, maxEvaluations)
	}

	records, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		internalErr(c, err)
		return
	}
	if records == nil {
		records = []metrics.Record{}
	}

	c.JSON(http.StatusOK, jsend.Success(records))
}

func (s *Server) streamPreview(c *gin.Context) {
	if s.preview == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("preview is disabled"))
		return
	}

	frames, unsubscribe := s.preview.Subscribe()
	defer unsubscribe()

	mimeWriter := multipart.NewWriter(c.Writer)
	c.Header("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary()))
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	partHeader := make(textproto.MIMEHeader)
	partHeader.Add("Content-Type", "image/jpeg")

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			partWriter, err := mimeWriter.CreatePart(partHeader)
			if err != nil {
				logger.Debug().Err(err).Msg("Failed to create preview part")
				return
			}
			if _, err := partWriter.Write(frame); err != nil {
				logger.Debug().Err(err).Msg("Preview client went away")
				return
			}
			c.Writer.Flush()
		}
	}
}

func modeErr(c *gin.Context, err error) {
	switch errors.CodeOf(err) {
	case errors.ErrInvalidTransition:
		c.JSON(http.StatusConflict, jsend.SimpleErr(err.Error()))
	case errors.ErrDeviceClosed, errors.ErrTimeout:
		c.JSON(http.StatusServiceUnavailable, jsend.SimpleErr(err.Error()))
	default:
		internalErr(c, err)
	}
}

func internalErr(c *gin.Context, err error) {
	logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	c.JSON(http.StatusInternalServerError, jsend.SimpleErr(err.Error()))
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}
