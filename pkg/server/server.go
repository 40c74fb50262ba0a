// Package server exposes the agent registry over HTTP: agent lifecycle,
// message handling and a Server-Sent Events feed of the event bus.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/eliza"
	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/message"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/runtime"
)

const maxBodyBytes = 1 << 20

// Options configures a Server.
type Options struct {
	Logger *zerolog.Logger
	// Heartbeat is the SSE comment interval; zero keeps the stream default.
	Heartbeat time.Duration
}

// Server routes HTTP requests to a registry.
type Server struct {
	registry *eliza.Registry
	stream   *event.Stream
	router   chi.Router
	logger   zerolog.Logger
}

// New creates a Server with pre-wired routes. /events streams bus events,
// optionally narrowed by agent_id, type and category query parameters.
func New(reg *eliza.Registry, opts Options) (*Server, error) {
	if reg == nil {
		return nil, errors.New("server: registry is required")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "server").Logger()
	}
	stream := event.NewStream(reg.Bus())
	if opts.Heartbeat != 0 {
		stream.SetHeartbeat(opts.Heartbeat)
	}
	srv := &Server{registry: reg, stream: stream, logger: logger}
	srv.routes()
	return srv, nil
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/events", s.stream.ServeHTTP)
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.listAgents)
		r.Post("/", s.addAgent)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Get("/", s.getAgent)
			r.Delete("/", s.deleteAgent)
			r.Post("/start", s.startAgent)
			r.Post("/stop", s.stopAgent)
			r.Get("/runs", s.listRuns)
			r.Post("/messages", s.handleMessage)
			r.Delete("/messages/{messageID}", s.deleteMessage)
			r.Delete("/rooms/{roomID}/messages", s.clearRoom)
		})
	})
	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close ends open /events connections.
func (s *Server) Close() {
	s.stream.Close()
}

type agentView struct {
	ID       uuid.UUID      `json:"id"`
	Name     string         `json:"name"`
	Status   runtime.Status `json:"status"`
	Plugins  []string       `json:"plugins"`
	Attached bool           `json:"attached"`
}

func viewOf(rt *runtime.AgentRuntime) agentView {
	_, attached := rt.Registry()
	return agentView{
		ID:       rt.AgentID(),
		Name:     rt.Character().Name,
		Status:   rt.Status(),
		Plugins:  rt.Plugins(),
		Attached: attached,
	}
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.registry.GetAgents()
	out := make([]agentView, 0, len(agents))
	for _, rt := range agents {
		out = append(out, viewOf(rt))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) addAgent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Character json.RawMessage `json:"character"`
		Start     bool            `json:"start"`
	}
	if err := decode(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := character.Parse(payload.Character)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.registry.AddAgents(r.Context(), []eliza.AgentSpec{{Character: c}}, eliza.AddOptions{AutoStart: payload.Start})
	switch {
	case errors.Is(err, eliza.ErrAgentExists):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil && len(res.IDs) == 0:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	case err != nil:
		s.logger.Warn().Err(err).Msg("agent added but failed to start")
	}
	rt, ok := s.registry.GetAgent(res.IDs[0])
	if !ok {
		respondError(w, http.StatusInternalServerError, "agent vanished after registration")
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(rt))
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, viewOf(rt))
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.registry.DeleteAgents, http.StatusNoContent)
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.registry.StartAgents, http.StatusOK)
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.registry.StopAgents, http.StatusOK)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, ids []uuid.UUID) error, status int) {
	id, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	if err := op(r.Context(), []uuid.UUID{id}); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	rt, ok := s.registry.GetAgent(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, status, viewOf(rt))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rt.Runs())
}

type messageRequest struct {
	ID       uuid.UUID `json:"id"`
	EntityID uuid.UUID `json:"entity_id"`
	RoomID   uuid.UUID `json:"room_id"`
	WorldID  uuid.UUID `json:"world_id"`
	Text     string    `json:"text"`
	Source   string    `json:"source"`
	Actions  []string  `json:"actions"`
}

type messageResponse struct {
	DidRespond     bool                  `json:"did_respond"`
	Mode           message.Mode          `json:"mode"`
	Stage          message.Stage         `json:"stage"`
	RunID          uuid.UUID             `json:"run_id"`
	Content        *memory.Content       `json:"content,omitempty"`
	ResponseID     uuid.UUID             `json:"response_id,omitempty"`
	ActionResults  []plugin.ActionResult `json:"action_results,omitempty"`
	ActionFailures int                   `json:"action_failures"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	var req messageRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "http"
	}
	msg := &memory.Memory{
		ID:       req.ID,
		EntityID: req.EntityID,
		RoomID:   req.RoomID,
		WorldID:  req.WorldID,
		Content:  memory.Content{Text: req.Text, Source: source, Actions: req.Actions},
	}
	res, err := s.registry.HandleMessage(r.Context(), id, msg, nil)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	out := messageResponse{
		DidRespond:     res.DidRespond,
		Mode:           res.Mode,
		Stage:          res.Stage,
		RunID:          res.RunID,
		Content:        res.Content,
		ActionResults:  res.ActionResults,
		ActionFailures: res.ActionFailures,
	}
	if res.ResponseMemory != nil {
		out.ResponseID = res.ResponseMemory.ID
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	msgID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	if err := s.registry.Messages().DeleteMessage(r.Context(), rt, &memory.Memory{ID: msgID}); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearRoom(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomID")
	if !ok {
		return
	}
	if err := s.registry.Messages().ClearChannel(r.Context(), rt, roomID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*runtime.AgentRuntime, bool) {
	id, ok := pathID(w, r, "agentID")
	if !ok {
		return nil, false
	}
	rt, ok := s.registry.GetAgent(id)
	if !ok {
		err := &eliza.AgentNotFoundError{ID: id}
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return rt, true
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+key)
		return uuid.Nil, false
	}
	return id, true
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, eliza.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, message.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, runtime.ErrModelCall), errors.Is(err, message.ErrUnparseableResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
