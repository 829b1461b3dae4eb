// Package devserver is a local stand-in for the SQL assistant backend. It
// speaks the same HTTP protocol the client uses, answers questions
// asynchronously and keeps chat history.
package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xaenox/sql-assistant/internal/metrics"
	"github.com/xaenox/sql-assistant/internal/models"
	"github.com/xaenox/sql-assistant/internal/sqlgen"
	"github.com/xaenox/sql-assistant/internal/storage"
	"go.uber.org/zap"
)

type Options struct {
	Generator      sqlgen.Generator
	Executor       Executor
	History        storage.Storage
	Users          *Users
	JWTSecret      string
	JWTTTL         time.Duration
	AllowedOrigins []string
	// TaskDelay holds every task pending for at least this long.
	TaskDelay time.Duration
	// ResultTTL is how long a finished task can still be polled.
	ResultTTL time.Duration
	Logger    *zap.Logger
}

type Server struct {
	gen      sqlgen.Generator
	exec     Executor
	history  storage.Storage
	users    *Users
	tokens   *tokenIssuer
	origins  []string
	delay    time.Duration
	logger   *zap.Logger
	validate *validator.Validate
	tasks    *taskRegistry

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Generator == nil {
		opts.Generator = sqlgen.NewKeywordGenerator()
	}
	if opts.Executor == nil {
		opts.Executor = NewStaticExecutor(SampleDatasets())
	}
	if opts.History == nil {
		opts.History = storage.NewMemoryStorage()
	}
	if opts.Users == nil {
		opts.Users = DefaultUsers()
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.JWTTTL <= 0 {
		opts.JWTTTL = 24 * time.Hour
	}

	s := &Server{
		gen:      opts.Generator,
		exec:     opts.Executor,
		history:  opts.History,
		users:    opts.Users,
		tokens:   newTokenIssuer([]byte(opts.JWTSecret), opts.JWTTTL),
		origins:  opts.AllowedOrigins,
		delay:    opts.TaskDelay,
		logger:   opts.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tasks:    newTaskRegistry(opts.ResultTTL),
	}
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/query", s.SubmitQuery)
	r.Get("/result/{task_id}", s.GetResult)
	r.Post("/chat-history", s.ChatHistory)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.Login)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/logout", s.Logout)
			r.Get("/me", s.Me)
		})
	})
	return r
}

// Shutdown stops running tasks and waits for them.
func (s *Server) Shutdown() {
	s.stop()
	s.wg.Wait()
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := s.decodeValidate(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	taskID := s.submit(req)
	s.logger.Info("Question accepted",
		zap.String("task_id", taskID),
		zap.String("thread_id", req.ThreadID),
		zap.Int64("user_id", req.UserID))
	writeJSON(w, http.StatusOK, models.QueryResponse{TaskID: taskID})
}

func (s *Server) GetResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	st, ok := s.tasks.get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) ChatHistory(w http.ResponseWriter, r *http.Request) {
	var req models.HistoryRequest
	if err := s.decodeValidate(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	threads, err := s.history.ListThreads(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("Failed to list threads", zap.Error(err), zap.Int64("user_id", req.UserID))
		writeError(w, http.StatusInternalServerError, "cannot load history")
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

type requestError string

func (e requestError) Error() string { return string(e) }

func (s *Server) decodeValidate(body io.Reader, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return requestError("body is invalid json")
	}
	if err := s.validate.Struct(v); err != nil {
		return requestError("required fields missing")
	}
	return nil
}
