// Package server exposes the agent loop over HTTP: POST /chat streams a
// turn as protocol frames, GET /healthz and GET /tools describe the
// running instance.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/martinemde/sandchat/agentloop"
	"github.com/martinemde/sandchat/llm"
	"github.com/martinemde/sandchat/protocol"
	"github.com/martinemde/sandchat/sandbox"
)

const maxRequestBytes = 4 << 20

// Server serves chat turns for a single sandbox root.
type Server struct {
	loop   *agentloop.Loop
	root   sandbox.Root
	logger logrus.FieldLogger
}

// New creates a Server. A nil logger uses the logrus standard logger.
func New(loop *agentloop.Loop, root sandbox.Root, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{loop: loop, root: root, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/tools", s.handleTools)
	r.Post("/chat", s.handleChat)
	return r
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, apiErrorBody{Error: apiError{Code: errCode, Message: message}})
}

type healthResponse struct {
	Status   string   `json:"status"`
	Root     string   `json:"root"`
	MaxSteps int      `json:"maxSteps"`
	Provider string   `json:"provider,omitempty"`
	Model    string   `json:"model,omitempty"`
	Tools    []string `json:"tools"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	cfg := s.loop.Config()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Root:     s.root.Path(),
		MaxSteps: cfg.MaxSteps,
		Provider: cfg.Provider,
		Model:    cfg.Model,
		Tools:    s.loop.Registry().Names(),
	})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.loop.Registry().Definitions())
}

// handleChat runs one turn and streams it. Headers are committed with the
// first frame, so a turn that fails before producing any frame still gets
// a proper error status.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetReqID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := s.logger.WithField("request_id", requestID)

	var req protocol.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object with a messages array")
		return
	}
	req = req.Filtered()
	if err := req.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	emitter := agentloop.NewEventEmitter(requestID, 0)
	type outcome struct {
		result *agentloop.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer emitter.Close()
		result, err := s.loop.Run(ctx, HistoryFromRequest(req), emitter)
		done <- outcome{result: result, err: err}
	}()

	var (
		enc       *protocol.Encoder
		streamErr error
	)
	for event := range emitter.Events() {
		wire, ok := protocol.FromLoopEvent(event)
		if !ok || streamErr != nil {
			continue
		}
		if enc == nil {
			startStream(w)
			enc = protocol.NewEncoder(w)
		}
		if err := enc.Encode(wire); err != nil {
			streamErr = err
			emitter.Abandon()
			log.WithError(err).Info("client went away, abandoning turn")
		}
	}
	out := <-done

	fields := logrus.Fields{}
	if out.result != nil {
		fields["steps"] = out.result.Steps
		fields["step_limit_reached"] = out.result.StepLimitReached
	}
	log = log.WithFields(fields)

	switch {
	case out.err == nil:
		if enc == nil {
			startStream(w)
		}
		log.Debug("turn complete")
	case ctx.Err() != nil || streamErr != nil:
		log.WithError(out.err).Info("turn abandoned by client")
	case enc == nil:
		log.WithError(out.err).Error("turn failed before streaming")
		writeModelError(w, out.err)
	default:
		log.WithError(out.err).Error("turn failed mid-stream, closing")
	}
}

func startStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Vercel-AI-Data-Stream", "v1")
	w.WriteHeader(http.StatusOK)
}

func writeModelError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	var rateLimit *llm.RateLimitError
	if errors.As(err, &rateLimit) {
		code = http.StatusTooManyRequests
	}
	writeErr(w, code, "model_error", err.Error())
}

// HistoryFromRequest converts request messages into loop history.
func HistoryFromRequest(req protocol.ChatRequest) []agentloop.Turn {
	history := make([]agentloop.Turn, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleUser:
			history = append(history, agentloop.NewUserTurn(msg.Content))
		case protocol.RoleAssistant:
			history = append(history, agentloop.NewAssistantTurn(msg.Content, nil, llm.Usage{}))
		}
	}
	return history
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start),
			}).Info("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
