// Package api is the HTTP surface of the engine: document upload, workflow
// status, the per-merchant SSE event feed, health, and metrics. Everything
// behind it is reached through narrow ports so handlers test against fakes.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/progress"
	"poflow.merchantry.io/version"
	"poflow.merchantry.io/workflow"
)

// Starter begins a workflow for an upload. *workflow.Orchestrator
// satisfies it.
type Starter interface {
	Start(ctx context.Context, req workflow.StartRequest) (*workflow.StartResult, error)
}

// WorkflowReader serves the status endpoint. *db.WorkflowStore satisfies
// it.
type WorkflowReader interface {
	GetExecution(ctx context.Context, workflowID string) (*model.WorkflowExecution, error)
	ListStageExecutions(ctx context.Context, workflowID string) ([]*model.WorkflowStageExecution, error)
}

// UploadWriter records upload rows. *db.UploadStore satisfies it.
type UploadWriter interface {
	Insert(ctx context.Context, u *model.Upload) error
}

// ObjectPutter stores uploaded document bytes. *storage.ObjectStore
// satisfies it.
type ObjectPutter interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// Subscriber opens a merchant's live event feed. *progress.Bus satisfies
// it.
type Subscriber interface {
	Subscribe(ctx context.Context, merchantID string) (*progress.Subscription, error)
}

// HealthChecker probes a backing service. Both the persistence gateway and
// the broker connections satisfy it.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a plain probe function to HealthChecker.
type HealthFunc func(ctx context.Context) error

func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

// Options wires the server.
type Options struct {
	Config config.ServerConfig

	Workflows Starter
	Status    WorkflowReader
	Uploads   UploadWriter
	Objects   ObjectPutter
	Events    Subscriber

	// Database and Broker feed /healthz; nil probes are skipped.
	Database HealthChecker
	Broker   HealthChecker
}

// Server is the echo HTTP surface.
type Server struct {
	echo *echo.Echo
	opts Options
	log  *logrus.Entry
}

// NewServer builds the server with its middleware stack and routes.
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowOrigins(opts.Config.AllowedOrigins),
	}))

	s := &Server{echo: e, opts: opts, log: poflow.Component("api")}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")
	v1.GET("/events", s.handleEvents)

	keyed := v1.Group("", APIKeyAuth(opts.Config.APIKeys))
	keyed.POST("/upload", s.handleUpload)
	keyed.GET("/workflows/:id", s.handleWorkflow)

	return s
}

func allowOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// APIKeyAuth guards mutating routes with a static key set delivered via
// X-API-Key. An empty key set disables the check; that is a development
// configuration only.
func APIKeyAuth(validKeys []string) echo.MiddlewareFunc {
	keys := make(map[string]struct{}, len(validKeys))
	for _, k := range validKeys {
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(keys) == 0 {
				return next(c)
			}
			key := c.Request().Header.Get("X-API-Key")
			if _, ok := keys[key]; key == "" || !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Config.Host, s.opts.Config.Port)
	s.echo.Server.ReadTimeout = s.opts.Config.ReadTimeout
	// WriteTimeout stays zero: the SSE feed holds its response open far
	// longer than any sane write timeout. Handlers bound their own work.
	s.log.WithField("addr", addr).Info("http server listening")
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// uploadResponse answers POST /api/v1/upload.
type uploadResponse struct {
	WorkflowID string `json:"workflowId"`
	UploadID   string `json:"uploadId"`
	Deduped    bool   `json:"deduped,omitempty"`
}

// handleUpload accepts one multipart document, parks its bytes in the
// object store, records the upload row, and starts the workflow. The
// response is 202: processing continues on the queues.
func (s *Server) handleUpload(c echo.Context) error {
	merchantID := c.FormValue("merchantId")
	if merchantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "merchantId is required")
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if max := s.opts.Config.MaxUploadBytes; max > 0 && fh.Size > max {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte upload limit", max))
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file part")
	}
	defer f.Close()

	limit := s.opts.Config.MaxUploadBytes
	if limit <= 0 {
		limit = 100 << 20
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read file")
	}
	if int64(len(data)) > limit {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte upload limit", limit))
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ctx := c.Request().Context()
	uploadID := uuid.NewString()
	key := fmt.Sprintf("uploads/%s/%s/%s", merchantID, uploadID, fh.Filename)

	if err := s.opts.Objects.Put(ctx, key, contentType, data); err != nil {
		s.log.WithError(err).WithField("merchant", merchantID).Error("failed to store upload bytes")
		return echo.NewHTTPError(http.StatusBadGateway, "failed to store document")
	}
	if err := s.opts.Uploads.Insert(ctx, &model.Upload{
		ID:          uploadID,
		MerchantID:  merchantID,
		FileName:    fh.Filename,
		StorageKey:  key,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	}); err != nil {
		s.log.WithError(err).WithField("merchant", merchantID).Error("failed to record upload")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record upload")
	}

	res, err := s.opts.Workflows.Start(ctx, workflow.StartRequest{
		UploadID:   uploadID,
		MerchantID: merchantID,
	})
	if err != nil {
		if poflow.IsValidation(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.log.WithError(err).WithField("upload", uploadID).Error("failed to start workflow")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start workflow")
	}

	return c.JSON(http.StatusAccepted, uploadResponse{
		WorkflowID: res.WorkflowID,
		UploadID:   uploadID,
		Deduped:    res.Deduped,
	})
}

// workflowResponse answers GET /api/v1/workflows/:id.
type workflowResponse struct {
	Execution *model.WorkflowExecution        `json:"execution"`
	Stages    []*model.WorkflowStageExecution `json:"stages"`
}

func (s *Server) handleWorkflow(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	exec, err := s.opts.Status.GetExecution(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if err != nil {
		s.log.WithError(err).WithField("workflow", id).Error("failed to load workflow")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load workflow")
	}

	stages, err := s.opts.Status.ListStageExecutions(ctx, id)
	if err != nil {
		s.log.WithError(err).WithField("workflow", id).Error("failed to load stage audits")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load workflow")
	}

	return c.JSON(http.StatusOK, workflowResponse{Execution: exec, Stages: stages})
}

// healthResponse answers GET /healthz.
type healthResponse struct {
	Status  string            `json:"status"`
	Release string            `json:"release"`
	Checks  map[string]string `json:"checks"`
}

// handleHealthz probes the database through the warmed gateway and pings
// the broker. The gateway probe runs the same path as normal queries, so a
// cold pool reports unhealthy instead of lying.
func (s *Server) handleHealthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	for name, probe := range map[string]HealthChecker{
		"database": s.opts.Database,
		"broker":   s.opts.Broker,
	} {
		if probe == nil {
			continue
		}
		if err := probe.Health(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	res := healthResponse{Status: "ok", Release: version.GetBuildInfo().Release, Checks: checks}
	if !healthy {
		res.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, res)
	}
	return c.JSON(http.StatusOK, res)
}
