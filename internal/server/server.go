// Package server exposes the backend over HTTP. Every route answers JSON;
// success and failure bodies carry a "message" field the GUI shows verbatim.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"aedthub/internal/aedt"
	"aedthub/internal/logging"
	"aedthub/internal/properties"
	"aedthub/internal/session"
	"aedthub/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// Event is one push notification on the /ws/events stream.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Event types pushed to connected clients.
const (
	EventProperties = "properties"
	EventStatus     = "status"
	EventLock       = "lock"
)

// wsClient is one connected event-stream subscriber.
type wsClient struct {
	id      string
	writeMu sync.Mutex // per-connection mutex for thread-safe writes
}

// Server wires the property record, the worker slot and the session facade
// to the HTTP surface.
type Server struct {
	props  *properties.Record
	coord  *worker.Coordinator
	facade *session.Facade

	mu       sync.RWMutex
	clients  map[*websocket.Conn]*wsClient
	server   *http.Server
	running  bool
	upgrader websocket.Upgrader

	lockMu      sync.Mutex
	lockWatcher *session.LockWatcher
}

// New creates a Server over the given collaborators.
func New(props *properties.Record, coord *worker.Coordinator, facade *session.Facade) *Server {
	s := &Server{
		props:   props,
		coord:   coord,
		facade:  facade,
		clients: make(map[*websocket.Conn]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler builds the route table. Split out from Start so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/properties", s.handleProperties)
	mux.HandleFunc("/installed_versions", s.handleInstalledVersions)
	mux.HandleFunc("/aedt_sessions", s.handleSessions)
	mux.HandleFunc("/launch_aedt", s.handleLaunch)
	mux.HandleFunc("/open_project", s.handleOpenProject)
	mux.HandleFunc("/close_aedt", s.handleClose)
	mux.HandleFunc("/connect_design", s.handleConnectDesign)
	mux.HandleFunc("/save_project", s.handleSaveProject)
	mux.HandleFunc("/design_names", s.handleDesignNames)
	mux.HandleFunc("/wait_thread", s.handleWaitThread)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

// Start runs the server on the given address until Stop or a listen error.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{Addr: addr, Handler: s.Handler()}
	s.mu.Unlock()

	logging.Info("REST server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Stop closes every event subscriber and shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	conns := make([]*websocket.Conn, 0, len(s.clients))
	infos := make([]*wsClient, 0, len(s.clients))
	for conn, info := range s.clients {
		conns = append(conns, conn)
		infos = append(infos, info)
	}
	s.clients = make(map[*websocket.Conn]*wsClient)
	s.mu.Unlock()

	for i, conn := range conns {
		infos[i].writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		infos[i].writeMu.Unlock()
		conn.Close()
	}

	s.lockMu.Lock()
	if s.lockWatcher != nil {
		s.lockWatcher.Close()
		s.lockWatcher = nil
	}
	s.lockMu.Unlock()

	if s.server != nil {
		logging.Info("REST server stopping")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// IsRunning reports whether Start has been called and Stop has not.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// checkOrigin admits same-origin requests and local development hosts.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{
		"http://localhost", "http://127.0.0.1",
		"https://localhost", "https://127.0.0.1",
		"wails://",
	} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	logging.Warn("Event stream connection rejected: invalid origin", "origin", origin)
	return false
}

// writeMessage sends the standard {"message": ...} body with the given code.
func writeMessage(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"message": fmt.Sprintf(format, args...),
	}); err != nil {
		logging.Error("Failed to encode response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response", "error", err)
	}
}

// handleHealth doubles as the connection diagnostic: the body is the session
// facade's identity message, whether or not a handle is live.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	_, msg := s.facade.IsConnected()
	writeMessage(w, http.StatusOK, "%s", msg)
}

// handleStatus reports the worker state: 200 for idle and busy, 500 for
// crashed, the state name always in the body.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state := s.coord.Status()
	code := http.StatusOK
	if state == worker.Crashed {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, map[string]string{"status": state.String()})
}

// handleProperties serves the full document on GET and applies a mapping on
// PUT. A rejected key leaves earlier keys in the same request applied; the
// validation error goes back verbatim.
func (s *Server) handleProperties(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.props.Export())
	case http.MethodPut, http.MethodPost:
		var values map[string]any
		if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
			writeMessage(w, http.StatusInternalServerError, "body is not a JSON object: %v", err)
			return
		}
		if len(values) == 0 {
			writeMessage(w, http.StatusInternalServerError, "body is empty")
			return
		}
		if err := s.props.SetMany(values); err != nil {
			writeMessage(w, http.StatusInternalServerError, "%v", err)
			return
		}
		s.BroadcastProperties()
		writeMessage(w, http.StatusOK, "properties updated successfully")
	default:
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleInstalledVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	versions := aedt.InstalledVersions()
	if versions == nil {
		versions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"versions": versions})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions, err := aedt.Sessions()
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "could not scan sessions: %v", err)
		return
	}
	// JSON object keys are strings; the client converts back.
	out := make(map[string]int, len(sessions))
	for pid, port := range sessions {
		out[fmt.Sprintf("%d", pid)] = port
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLaunch queues the warm start on the single worker slot. A second
// request while the slot is taken is rejected, not queued.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	launched := s.coord.Launch("launch_aedt", func() {
		s.facade.Launch()
		s.BroadcastProperties()
		s.BroadcastStatus()
	})
	if !launched {
		writeMessage(w, http.StatusInternalServerError, "toolkit is busy")
		return
	}
	s.BroadcastStatus()
	writeMessage(w, http.StatusOK, "AEDT launch initiated")
}

// handleOpenProject takes the project path as the raw request body.
func (s *Server) handleOpenProject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "could not read body: %v", err)
		return
	}
	path := strings.TrimSpace(strings.Trim(strings.TrimSpace(string(body)), `"`))
	if path == "" {
		writeMessage(w, http.StatusInternalServerError, "no project path provided")
		return
	}
	if !s.facade.OpenProject(path) {
		writeMessage(w, http.StatusInternalServerError, "could not open project %s", path)
		return
	}
	s.watchProjectLock(path)
	s.BroadcastProperties()
	writeMessage(w, http.StatusOK, "project opened")
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		CloseProjects bool `json:"close_projects"`
		CloseOnExit   bool `json:"close_on_exit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusInternalServerError, "invalid body: %v", err)
		return
	}
	if !s.facade.Release(req.CloseProjects, req.CloseOnExit) {
		writeMessage(w, http.StatusInternalServerError, "AEDT release failed")
		return
	}
	s.BroadcastStatus()
	writeMessage(w, http.StatusOK, "AEDT released")
}

func (s *Server) handleConnectDesign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		AedtApp string `json:"aedtapp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusInternalServerError, "invalid body: %v", err)
		return
	}
	if !s.facade.ConnectDesign(req.AedtApp) {
		writeMessage(w, http.StatusInternalServerError, "could not connect to design")
		return
	}
	s.BroadcastProperties()
	writeMessage(w, http.StatusOK, "design connected")
}

// handleSaveProject accepts either a raw path body or {"path": ...}.
func (s *Server) handleSaveProject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "could not read body: %v", err)
		return
	}
	path := parseSavePath(body)
	if !s.facade.SaveProject(path) {
		writeMessage(w, http.StatusInternalServerError, "could not save project")
		return
	}
	s.BroadcastProperties()
	writeMessage(w, http.StatusOK, "project saved")
}

// parseSavePath extracts the target path from a save request body. An empty
// result means "save in place".
func parseSavePath(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(body, &req); err == nil && req.Path != "" {
		return req.Path
	}
	return strings.Trim(text, `"`)
}

func (s *Server) handleDesignNames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"design_names": s.facade.DesignNames()})
}

// handleWaitThread blocks until the worker slot is idle or the requested
// timeout in seconds elapses.
func (s *Server) handleWaitThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	timeout := 60
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &timeout); err != nil || timeout <= 0 {
			writeMessage(w, http.StatusInternalServerError, "invalid timeout %q", raw)
			return
		}
	}
	if !s.coord.WaitToBeIdle(timeout) {
		writeMessage(w, http.StatusInternalServerError, "toolkit still busy after %d seconds", timeout)
		return
	}
	writeMessage(w, http.StatusOK, "toolkit is idle")
}

// handleEventsWS upgrades the connection and keeps it registered until the
// peer goes away. The read loop exists only to notice disconnects; the
// stream is push-only.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Event stream upgrade failed", "error", err)
		return
	}

	client := &wsClient{id: uuid.New().String()}
	s.mu.Lock()
	s.clients[conn] = client
	s.mu.Unlock()
	logging.Info("Event stream client connected", "id", client.id, "remote", r.RemoteAddr)

	// Greet with the current document so the client starts in sync.
	s.sendEvent(conn, client, Event{Type: EventProperties, Payload: s.props.Export()})

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		logging.Info("Event stream client disconnected", "id", client.id)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BroadcastProperties pushes the full document to every subscriber.
func (s *Server) BroadcastProperties() {
	s.broadcast(Event{Type: EventProperties, Payload: s.props.Export()})
}

// BroadcastStatus pushes the current worker state to every subscriber.
func (s *Server) BroadcastStatus() {
	s.broadcast(Event{Type: EventStatus, Payload: map[string]any{
		"status": s.coord.Status().String(),
	}})
}

// watchProjectLock follows the opened project's lock sentinel so clients
// learn about external lock holders without polling. Only the most recently
// opened project is watched.
func (s *Server) watchProjectLock(project string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.lockWatcher != nil {
		s.lockWatcher.Close()
		s.lockWatcher = nil
	}
	watcher, err := session.WatchLock(project, func(locked bool) {
		s.BroadcastLock(project, locked)
	})
	if err != nil {
		logging.Warn("Could not watch project lock", "project", project, "error", err)
		return
	}
	s.lockWatcher = watcher
}

// BroadcastLock pushes a project lock change to every subscriber.
func (s *Server) BroadcastLock(project string, locked bool) {
	s.broadcast(Event{Type: EventLock, Payload: map[string]any{
		"project": project,
		"locked":  locked,
	}})
}

func (s *Server) broadcast(event Event) {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	infos := make([]*wsClient, 0, len(s.clients))
	for conn, info := range s.clients {
		conns = append(conns, conn)
		infos = append(infos, info)
	}
	s.mu.RUnlock()

	for i, conn := range conns {
		s.sendEvent(conn, infos[i], event)
	}
}

// sendEvent writes one event under the connection's write mutex.
func (s *Server) sendEvent(conn *websocket.Conn, client *wsClient, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error("Failed to marshal event", "error", err)
		return
	}
	client.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	client.writeMu.Unlock()
	if err != nil {
		logging.Debug("Failed to write to event client", "id", client.id, "error", err)
	}
}
