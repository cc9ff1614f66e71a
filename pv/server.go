package pv

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// Server exposes a process variable registry over HTTP. Records are read
// under /api/pvs and written with PUT; /ws streams updates over websocket.
type Server struct {
	reg *Registry
	hub *Hub
	log logger.Logger
}

// NewServer creates a server for the given registry.
func NewServer(reg *Registry, l logger.Logger) *Server {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Server{
		reg: reg,
		hub: newHub(reg, l),
		log: l,
	}
}

// Run pumps registry updates to websocket clients until ctx is cancelled.
// The /ws endpoint only serves clients while Run is running.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/pvs", s.listRecords)
		r.Route("/pvs/{name}", func(r chi.Router) {
			r.Get("/", s.getRecord)
			r.Put("/", s.putRecord)
		})
	})

	r.Get("/ws", s.hub.serveWS)

	return r
}

// recordPayload is the body of a write request.
type recordPayload struct {
	Value any `json:"value"`
}

func (p *recordPayload) Bind(*http.Request) error {
	if p.Value == nil {
		return errors.New("missing value")
	}
	return nil
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.reg.List())
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	p, ok := s.reg.Get(name)
	if !ok {
		_ = render.Render(w, r, errNotFound(fmt.Errorf("%w: %q", ErrNotFound, name)))
		return
	}

	render.JSON(w, r, p.Snapshot())
}

func (s *Server) putRecord(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	payload := &recordPayload{}
	if err := render.Bind(r, payload); err != nil {
		_ = render.Render(w, r, errInvalidRequest(err))
		return
	}

	update, err := s.reg.Apply(r.Context(), name, payload.Value)
	switch {
	case err == nil:
		render.JSON(w, r, update)
	case errors.Is(err, ErrNotFound):
		_ = render.Render(w, r, errNotFound(err))
	case errors.Is(err, ErrReadOnly):
		_ = render.Render(w, r, errReadOnly(err))
	case errors.Is(err, ErrBadValue) || errors.Is(err, command.ErrValidation):
		_ = render.Render(w, r, errInvalidRequest(err))
	default:
		s.log.Error("write to process variable failed", "name", name, "error", err)
		_ = render.Render(w, r, errApplyFailed(err))
	}
}

// errResponse is the JSON error body sent by the HTTP API.
type errResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errInvalidRequest(err error) render.Renderer {
	return &errResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     "Invalid request.",
		ErrorText:      err.Error(),
	}
}

func errNotFound(err error) render.Renderer {
	return &errResponse{
		Err:            err,
		HTTPStatusCode: http.StatusNotFound,
		StatusText:     "Resource not found.",
		ErrorText:      err.Error(),
	}
}

func errReadOnly(err error) render.Renderer {
	return &errResponse{
		Err:            err,
		HTTPStatusCode: http.StatusMethodNotAllowed,
		StatusText:     "Read-only record.",
		ErrorText:      err.Error(),
	}
}

// errApplyFailed reports a write that was accepted by the API but rejected
// by the instrument.
func errApplyFailed(err error) render.Renderer {
	return &errResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadGateway,
		StatusText:     "Write failed.",
		ErrorText:      err.Error(),
	}
}
