package api

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/reconciler"
	"github.com/cuemby/hutch/pkg/resolver"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// DefaultListenAddr is the admin API address
const DefaultListenAddr = ":8080"

// Sessions is the session manager surface served by the API
type Sessions interface {
	Create(ctx context.Context, projectID string) (*types.Session, error)
	Get(ctx context.Context, sessionID string) (*types.Session, error)
	List(ctx context.Context, projectID string) ([]*types.Session, error)
	Containers(ctx context.Context, sessionID string) ([]*types.SessionContainer, error)
	Delete(ctx context.Context, sessionID string) error
}

// Projects applies and lists project manifests
type Projects interface {
	ApplyYAML(data []byte) ([]*types.Project, error)
	List() ([]*types.Project, error)
}

// Pool runs reconciliation on demand
type Pool interface {
	Reconcile(ctx context.Context, projectID string) (*reconciler.Result, error)
}

// Config holds API server configuration
type Config struct {
	ListenAddr string
	ReadOnly   bool // Reject every mutating request
}

// Server is the admin HTTP API
type Server struct {
	app      *fiber.App
	sessions Sessions
	projects Projects
	pool     Pool
	config   Config
	logger   zerolog.Logger
}

// NewServer creates the API server and registers its routes
func NewServer(sessions Sessions, projects Projects, pool Pool, config Config) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}

	s := &Server{
		sessions: sessions,
		projects: projects,
		pool:     pool,
		config:   config,
		logger:   log.WithComponent("api"),
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          15 * time.Minute, // Reconcile can run up to its own timeout
		IdleTimeout:           60 * time.Second,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(requestMetrics(s.logger))
	registerHealth(s.app)

	v1 := s.app.Group("/api/v1")
	if s.config.ReadOnly {
		v1.Use(readOnly())
	}
	v1.Put("/projects", s.applyProjects)
	v1.Get("/projects", s.listProjects)
	v1.Post("/projects/:id/sessions", s.createSession)
	v1.Get("/projects/:id/sessions", s.listSessions)
	v1.Post("/projects/:id/pool/reconcile", s.reconcilePool)
	v1.Get("/sessions/:id", s.getSession)
	v1.Get("/sessions/:id/containers", s.listContainers)
	v1.Delete("/sessions/:id", s.deleteSession)
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Start serves the API until Stop is called
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.config.ListenAddr).Msg("admin API listening")
	return s.app.Listen(s.config.ListenAddr)
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// SessionResponse is the JSON view of a session
type SessionResponse struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Status    string          `json:"status"`
	Ready     bool            `json:"ready"`
	Routes    []RouteResponse `json:"routes,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
}

// RouteResponse is the JSON view of a public route
type RouteResponse struct {
	ContainerID   string `json:"container_id"`
	ContainerPort int    `json:"container_port"`
	URL           string `json:"url"`
}

// ContainerResponse is the JSON view of a session container
type ContainerResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Hostname  string `json:"hostname"`
	Status    string `json:"status"`
	Health    string `json:"health,omitempty"`
	Error     string `json:"error,omitempty"`
	RuntimeID string `json:"runtime_id,omitempty"`
}

// ProjectResponse is the JSON view of a project
type ProjectResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Repository string    `json:"repository,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ReconcileResponse is the JSON view of a reconciliation result
type ReconcileResponse struct {
	ProjectID  string `json:"project_id"`
	Outcome    string `json:"outcome"`
	Pooled     int    `json:"pooled"`
	Created    int    `json:"created"`
	Drained    int    `json:"drained"`
	Failures   int    `json:"failures"`
	Iterations int    `json:"iterations"`
}

func (s *Server) applyProjects(c *fiber.Ctx) error {
	projects, err := s.projects.ApplyYAML(c.Body())
	if err != nil {
		return err
	}
	return c.JSON(projectsToResponse(projects))
}

func (s *Server) listProjects(c *fiber.Ctx) error {
	projects, err := s.projects.List()
	if err != nil {
		return err
	}
	return c.JSON(projectsToResponse(projects))
}

func (s *Server) createSession(c *fiber.Ctx) error {
	session, err := s.sessions.Create(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(sessionToResponse(session))
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	sessions, err := s.sessions.List(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	resp := make([]SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		resp = append(resp, sessionToResponse(session))
	}
	return c.JSON(resp)
}

func (s *Server) getSession(c *fiber.Ctx) error {
	session, err := s.sessions.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(sessionToResponse(session))
}

func (s *Server) listContainers(c *fiber.Ctx) error {
	containers, err := s.sessions.Containers(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	resp := make([]ContainerResponse, 0, len(containers))
	for _, sc := range containers {
		resp = append(resp, ContainerResponse{
			ID:        sc.ID,
			Name:      sc.Name,
			Hostname:  sc.Hostname,
			Status:    string(sc.Status),
			Health:    sc.HealthState,
			Error:     sc.Error,
			RuntimeID: sc.RuntimeID,
		})
	}
	return c.JSON(resp)
}

func (s *Server) deleteSession(c *fiber.Ctx) error {
	if err := s.sessions.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) reconcilePool(c *fiber.Ctx) error {
	result, err := s.pool.Reconcile(c.UserContext(), c.Params("id"))
	if result == nil {
		if err == nil {
			err = &types.InternalError{Reason: "reconcile returned no result"}
		}
		return err
	}

	status := fiber.StatusOK
	if errors.Is(err, reconciler.ErrReconcileTimeout) {
		status = fiber.StatusGatewayTimeout
	} else if err != nil {
		return err
	}
	return c.Status(status).JSON(ReconcileResponse{
		ProjectID:  result.ProjectID,
		Outcome:    string(result.Outcome),
		Pooled:     result.Pooled,
		Created:    result.Created,
		Drained:    result.Drained,
		Failures:   result.Failures,
		Iterations: result.Iterations,
	})
}

// errorHandler maps the error taxonomy to HTTP status codes
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fe *fiber.Error
	var cycle *resolver.CircularDependencyError
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case errors.As(err, &cycle):
		status = fiber.StatusUnprocessableEntity
	case errors.Is(err, types.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, types.ErrExternalService):
		status = fiber.StatusBadGateway
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func projectsToResponse(projects []*types.Project) []ProjectResponse {
	resp := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		r := ProjectResponse{ID: p.ID, Name: p.Name, UpdatedAt: p.UpdatedAt}
		if p.Repository != nil {
			r.Repository = p.Repository.URL
		}
		resp = append(resp, r)
	}
	return resp
}

func sessionToResponse(session *types.Session) SessionResponse {
	resp := SessionResponse{
		ID:        session.ID,
		ProjectID: session.ProjectID,
		Status:    string(session.Status),
		Ready:     session.Ready,
		Error:     session.Error,
		CreatedAt: session.CreatedAt,
	}
	if !session.ClaimedAt.IsZero() {
		claimed := session.ClaimedAt
		resp.ClaimedAt = &claimed
	}
	for _, r := range session.Routes {
		resp.Routes = append(resp.Routes, RouteResponse{
			ContainerID:   r.ContainerID,
			ContainerPort: r.ContainerPort,
			URL:           r.URL,
		})
	}
	return resp
}
