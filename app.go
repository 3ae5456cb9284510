package main

import (
	"context"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"aedthub/internal/client"
	"aedthub/internal/logging"
)

// App is the GUI shell. It owns no domain state of its own: every bound
// method goes through the backend client, and the replica it exposes to the
// frontend is whatever the backend last validated.
type App struct {
	ctx     context.Context
	client  *client.Client
	stream  *client.EventStream
	backend string

	pollStop chan struct{}
	mu       sync.Mutex
}

// NewApp creates the shell pointing at the given backend URL.
func NewApp(backendURL string) *App {
	return &App{
		client:  client.New(backendURL),
		backend: backendURL,
	}
}

// startup connects the event stream and starts the status poll.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	logging.Info("GUI shell starting", "backend", a.backend)

	stream, err := a.client.Subscribe(a.forwardEvent)
	if err != nil {
		// The backend may come up after the GUI; polling covers the gap.
		logging.Warn("Event stream unavailable, relying on polling", "error", err)
	} else {
		a.mu.Lock()
		a.stream = stream
		a.mu.Unlock()
	}

	a.pollStop = make(chan struct{})
	go a.pollStatus()
}

// shutdown tears the stream and the poll loop down.
func (a *App) shutdown(ctx context.Context) {
	logging.Info("GUI shell shutting down")
	if a.pollStop != nil {
		close(a.pollStop)
	}
	a.mu.Lock()
	stream := a.stream
	a.stream = nil
	a.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// forwardEvent re-emits backend pushes as wails runtime events so the
// frontend subscribes to one uniform channel.
func (a *App) forwardEvent(event client.Event) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, "backend:"+event.Type, event.Payload)
}

// pollStatus keeps the status indicator alive even when the push stream is
// down, and retries the subscription while it is.
func (a *App) pollStatus() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.pollStop:
			return
		case <-ticker.C:
			status, err := a.client.Status()
			if err != nil && status == "" {
				status = "unreachable"
			}
			if a.ctx != nil {
				runtime.EventsEmit(a.ctx, "backend:status", map[string]any{"status": status})
			}
			a.ensureStream()
		}
	}
}

func (a *App) ensureStream() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != nil {
		return
	}
	stream, err := a.client.Subscribe(a.forwardEvent)
	if err != nil {
		return
	}
	logging.Info("Event stream reconnected")
	a.stream = stream
}

// --- methods bound to the frontend ---

// GetProperties returns the backend's property document.
func (a *App) GetProperties() map[string]any {
	doc, err := a.client.GetProperties()
	if err != nil {
		logging.Warn("Could not fetch properties", "error", err)
		return a.client.Record().Export()
	}
	return doc
}

// SetProperties pushes edits from the frontend. The returned string is empty
// on success and the backend's rejection message otherwise.
func (a *App) SetProperties(values map[string]any) string {
	if err := a.client.SetProperties(values); err != nil {
		return err.Error()
	}
	return ""
}

// BackendHealthy reports whether the backend answers.
func (a *App) BackendHealthy() bool {
	return a.client.Health()
}

// BackendStatus returns the worker state name, "unreachable" on transport
// failure.
func (a *App) BackendStatus() string {
	status, err := a.client.Status()
	if err != nil && status == "" {
		return "unreachable"
	}
	return status
}

// InstalledVersions lists AEDT releases on the backend machine.
func (a *App) InstalledVersions() []string {
	versions, err := a.client.InstalledVersions()
	if err != nil {
		logging.Warn("Could not list installed versions", "error", err)
		return []string{}
	}
	return versions
}

// Sessions lists running AEDT processes, pid mapped to gRPC port.
func (a *App) Sessions() map[int]int {
	sessions, err := a.client.Sessions()
	if err != nil {
		logging.Warn("Could not list sessions", "error", err)
		return map[int]int{}
	}
	return sessions
}

// CallResult is what mutating bound methods hand the frontend.
type CallResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// LaunchAedt asks the backend to warm-start AEDT in the background.
func (a *App) LaunchAedt() CallResult {
	ok, msg := a.client.LaunchAedt()
	return CallResult{OK: ok, Message: msg}
}

// OpenProject opens a project file on the backend.
func (a *App) OpenProject(path string) CallResult {
	ok, msg := a.client.OpenProject(path)
	return CallResult{OK: ok, Message: msg}
}

// SaveProject saves the active project, under path when non-empty.
func (a *App) SaveProject(path string) CallResult {
	ok, msg := a.client.SaveProject(path)
	return CallResult{OK: ok, Message: msg}
}

// ConnectDesign opens or creates a design of the given application type.
func (a *App) ConnectDesign(appName string) CallResult {
	ok, msg := a.client.ConnectDesign(appName)
	return CallResult{OK: ok, Message: msg}
}

// CloseAedt releases the backend's desktop handle.
func (a *App) CloseAedt(closeProjects, closeOnExit bool) CallResult {
	ok, msg := a.client.CloseAedt(closeProjects, closeOnExit)
	return CallResult{OK: ok, Message: msg}
}

// DesignNames lists the active project's designs.
func (a *App) DesignNames() []string {
	names, err := a.client.DesignNames()
	if err != nil {
		logging.Warn("Could not list design names", "error", err)
		return []string{}
	}
	return names
}

// WaitToBeIdle blocks until the backend worker is idle or timeout seconds
// pass. Returns the failure message, empty on success.
func (a *App) WaitToBeIdle(timeout int) string {
	if err := a.client.WaitToBeIdle(timeout); err != nil {
		return err.Error()
	}
	return ""
}

// LogFrontend lets the frontend write into the shared log sink.
func (a *App) LogFrontend(level, message string) {
	logging.LogFromFrontend(logging.FrontendEntry{Level: level, Message: message})
}
