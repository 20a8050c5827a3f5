package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"easel/internal/checkpoint"
	"easel/internal/engine"
	"easel/internal/presence"
	"easel/internal/search"
	"easel/internal/shape"
	"easel/internal/store"
)

// Cross-origin websocket clients are allowed; origin policy lives in
// the CORS configuration, not the upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Config struct {
	Store       store.DocumentStore
	Presence    presence.Store
	Search      *search.Service
	Checkpoints *checkpoint.Service
	CORSOrigin  string
}

// Server exposes canvases over websockets plus a small REST surface
// for search and checkpoints. Each websocket connection runs its own
// engine; the server only shares the stores underneath them.
type Server struct {
	store       store.DocumentStore
	presence    presence.Store
	search      *search.Service
	checkpoints *checkpoint.Service
	corsOrigin  string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	followers map[string]func()
}

func NewServer(cfg Config) *Server {
	if cfg.Search == nil {
		cfg.Search = search.NewService(nil, nil)
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:       cfg.Store,
		presence:    cfg.Presence,
		search:      cfg.Search,
		checkpoints: cfg.Checkpoints,
		corsOrigin:  cfg.CORSOrigin,
		ctx:         ctx,
		cancel:      cancel,
		followers:   make(map[string]func()),
	}
}

// Close stops the search index followers. Engines close with their
// connections; the stores are owned by the caller.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	followers := s.followers
	s.followers = make(map[string]func())
	s.mu.Unlock()
	for _, stop := range followers {
		stop()
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Methods(http.MethodGet, http.MethodHead).Path("/api/health").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/api/canvases/{canvas}/ws").HandlerFunc(s.handleWS)
	r.Methods(http.MethodGet).Path("/api/canvases/{canvas}/shapes").HandlerFunc(s.handleShapes)
	r.Methods(http.MethodGet).Path("/api/canvases/{canvas}/search").HandlerFunc(s.handleSearch)
	r.Methods(http.MethodGet).Path("/api/canvases/{canvas}/checkpoints").HandlerFunc(s.handleCheckpointList)
	r.Methods(http.MethodPost).Path("/api/canvases/{canvas}/checkpoints").HandlerFunc(s.handleCheckpointSave)
	r.Methods(http.MethodPost).Path("/api/canvases/{canvas}/checkpoints/{hash}/restore").HandlerFunc(s.handleCheckpointRestore)
	r.Methods(http.MethodPost).Path("/api/canvases/{canvas}/checkpoints/{hash}/tag").HandlerFunc(s.handleCheckpointTag)

	return s.withMiddleware(r)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		setCORSHeaders(w.Header(), s.corsOrigin)
		w.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		m := httpsnoop.CaptureMetrics(next, w, r)
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			m.Code,
			m.Duration.Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWS upgrades the connection and runs one engine for it until
// the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	canvasID := mux.Vars(r)["canvas"]
	user := identityFromRequest(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade: %v", err)
		return
	}
	defer conn.Close()

	eng, err := engine.New(engine.Config{
		CanvasID: canvasID,
		User:     user,
		Store:    s.store,
		Presence: s.presence,
	})
	if err != nil {
		log.Printf("gateway: engine for canvas %s: %v", canvasID, err)
		return
	}
	if err := eng.Start(r.Context()); err != nil {
		log.Printf("gateway: start engine for canvas %s: %v", canvasID, err)
		return
	}
	defer eng.Close()

	s.ensureIndexFollower(canvasID)

	log.Printf("gateway: %s (%s) joined canvas %s", user.DisplayName, user.ID, canvasID)
	newClient(conn, eng).serve()
	log.Printf("gateway: %s (%s) left canvas %s", user.DisplayName, user.ID, canvasID)
}

// ensureIndexFollower keeps exactly one snapshot subscription per
// canvas feeding the search index. Followers outlive the connections
// that spawned them so late writes still index; Close reaps them.
func (s *Server) ensureIndexFollower(canvasID string) {
	if !s.search.Indexing() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.followers[canvasID]; ok {
		return
	}
	stop, err := s.store.Subscribe(s.ctx, canvasID, func(shapes []shape.Shape) {
		s.search.SyncCanvas(canvasID, search.RecordsOf(shapes))
	})
	if err != nil {
		log.Printf("gateway: index follower for canvas %s: %v", canvasID, err)
		return
	}
	s.followers[canvasID] = stop
}

func (s *Server) handleShapes(w http.ResponseWriter, r *http.Request) {
	canvasID := mux.Vars(r)["canvas"]
	shapes, err := s.store.List(r.Context(), canvasID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message, nil)
		return
	}
	if shapes == nil {
		shapes = []shape.Shape{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"canvasId": canvasID, "shapes": shapes})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:     r.URL.Query().Get("q"),
		CanvasID: mux.Vars(r)["canvas"],
		Kind:     r.URL.Query().Get("kind"),
		Limit:    intParam(r, "limit", 20),
		Offset:   intParam(r, "offset", 0),
	}
	writeJSON(w, http.StatusOK, s.search.Search(q))
}

func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "CHECKPOINTS_UNAVAILABLE", "Checkpoints not configured", nil)
		return
	}
	canvasID := mux.Vars(r)["canvas"]
	history, err := s.checkpoints.History(canvasID, intParam(r, "limit", 50))
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"canvasId": canvasID, "checkpoints": history})
}

func (s *Server) handleCheckpointSave(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "CHECKPOINTS_UNAVAILABLE", "Checkpoints not configured", nil)
		return
	}
	canvasID := mux.Vars(r)["canvas"]

	// Both fields are optional; an empty body saves an anonymous
	// checkpoint with the default message.
	var body struct {
		Author  string `json:"author"`
		Message string `json:"message"`
	}
	_ = decodeBody(r, &body)
	if body.Author == "" {
		body.Author = "anonymous"
	}

	shapes, err := s.store.List(r.Context(), canvasID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message, nil)
		return
	}

	info, err := s.checkpoints.Save(canvasID, shapes, body.Author, body.Message)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message, nil)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// handleCheckpointRestore replaces the live canvas with the checkpoint
// contents through the same durable writes every client converges on.
// Shapes get fresh ids; concurrent edits during the swap lose.
func (s *Server) handleCheckpointRestore(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "CHECKPOINTS_UNAVAILABLE", "Checkpoints not configured", nil)
		return
	}
	vars := mux.Vars(r)
	canvasID, hash := vars["canvas"], vars["hash"]

	snap, err := s.checkpoints.Restore(canvasID, hash)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message, nil)
		return
	}

	current, err := s.store.List(r.Context(), canvasID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message, nil)
		return
	}
	for _, sh := range current {
		if err := s.store.Delete(r.Context(), canvasID, sh.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			status, code, message := mapError(err)
			writeError(w, status, code, message, nil)
			return
		}
	}

	restored := 0
	for _, sh := range snap.Shapes {
		sh.CanvasID = canvasID
		if _, err := s.store.Create(r.Context(), sh); err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message, nil)
			return
		}
		restored++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"canvasId": canvasID,
		"hash":     hash,
		"restored": restored,
	})
}

func (s *Server) handleCheckpointTag(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "CHECKPOINTS_UNAVAILABLE", "Checkpoints not configured", nil)
		return
	}
	vars := mux.Vars(r)

	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
		return
	}

	if err := s.checkpoints.Tag(vars["canvas"], vars["hash"], body.Name); err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": body.Name})
}
