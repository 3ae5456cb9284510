// Package session owns the live handle to the external desktop application
// and the project/design inventory derived from it. Every public method
// converts adapter failures into a boolean plus a log line; no error from the
// vendor boundary ever escapes to a caller.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"aedthub/internal/aedt"
	"aedthub/internal/logging"
	"aedthub/internal/properties"
)

// ErrProjectLocked means the target project has an active lock file and is
// presumably held open by another session.
var ErrProjectLocked = errors.New("project is locked")

// State is the facade's connection lifecycle. Transitions are always
// caller-initiated; there is no automatic reconnection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Releasing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Releasing:
		return "releasing"
	default:
		return "disconnected"
	}
}

// Facade mediates all calls that require a valid application handle. The
// sub-handle (app) never outlives the connection: clearing the connection
// always clears the sub-handle with it.
//
// One mutex serializes every entry point: Launch runs on the background
// worker goroutine while the other methods arrive on HTTP request
// goroutines, and the adapter itself tolerates only one caller at a time.
type Facade struct {
	mu     sync.Mutex
	props  *properties.Record
	client aedt.Client

	connected bool
	state     State
	app       aedt.App
}

// New creates a Facade over the given adapter, persisting derived state into
// props.
func New(props *properties.Record, client aedt.Client) *Facade {
	return &Facade{props: props, client: client}
}

// State returns the current lifecycle state.
func (f *Facade) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsConnected reports handle validity plus a diagnostic message naming the
// process identity.
func (f *Facade) IsConnected() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false, "AEDT not connected"
	}
	pid := f.client.ProcessID()
	if port := f.client.GrpcPort(); port > 0 {
		return true, fmt.Sprintf("AEDT connected, process %d, gRPC port %d", pid, port)
	}
	return true, fmt.Sprintf("AEDT connected, process %d", pid)
}

// Launch warms the external process and captures its session metadata. It
// starts a new session or attaches per the configured selected process,
// records the resulting identifier back into the property record, saves any
// unsaved open projects, then releases its own handle without closing
// anything. The external start may take tens of seconds, so callers run this
// through the background worker slot.
//
// A selected_process of 0 always means "start a new session"; use_grpc picks
// the transport independently for both new and existing sessions.
func (f *Facade) Launch() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return true
	}

	if !f.connect() {
		return false
	}

	// Unsaved state left behind by a prior external run would corrupt the
	// derived inventory on the next open, so flush it now.
	if unsaved, err := f.client.UnsavedProjects(); err != nil {
		logging.Warn("Could not query unsaved projects", "error", err)
	} else {
		for _, project := range unsaved {
			if err := f.client.SaveProject(project); err != nil {
				logging.Warn("Could not save project", "project", project, "error", err)
			}
		}
	}

	f.refreshInventory()

	// Launch only captures metadata; it does not keep the handle.
	f.state = Releasing
	if err := f.client.Release(false, false); err != nil {
		logging.Warn("Release after launch failed, clearing local handle anyway", "error", err)
	}
	f.connected = false
	f.app = nil
	f.state = Disconnected
	return true
}

// Connect attaches to the already-recorded external process. It fails fast
// when no process identifier has been recorded and never starts a new one.
func (f *Facade) Connect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attach()
}

// attach is Connect's body. Caller must hold the mutex.
func (f *Facade) attach() bool {
	if f.connected {
		return true
	}
	var selected int
	f.props.Update(func(r *properties.Record) { selected = r.SelectedProcess })
	if selected == 0 {
		logging.Error("Connect requested without a recorded AEDT process")
		return false
	}
	return f.connect()
}

// connect performs the adapter round trip and records the session identity.
func (f *Facade) connect() bool {
	var opts aedt.ConnectOptions
	f.props.Update(func(r *properties.Record) {
		opts = aedt.ConnectOptions{
			Version:      r.AedtVersion,
			NonGraphical: r.NonGraphical,
			ProcessID:    r.SelectedProcess,
			Timeout:      r.GrpcTimeout,
		}
		if r.UseGrpc {
			opts.Transport = aedt.Grpc
		} else {
			opts.Transport = aedt.Native
		}
	})

	f.state = Connecting
	if err := f.client.Connect(opts); err != nil {
		logging.Error("AEDT connection failed", "error", err, "options", opts.String())
		f.state = Disconnected
		return false
	}
	f.connected = true
	f.state = Connected

	// The recorded identifier is the gRPC port under gRPC transport and the
	// process id otherwise.
	identifier := f.client.ProcessID()
	if opts.Transport == aedt.Grpc {
		identifier = f.client.GrpcPort()
	}
	if err := f.props.Set("selected_process", identifier); err != nil {
		logging.Error("Could not record session identifier", "error", err)
	}
	logging.Info("AEDT session established", "pid", f.client.ProcessID(),
		"grpcPort", f.client.GrpcPort())
	return true
}

// ConnectDesign opens (or creates) a design sub-handle of the requested
// application type and re-derives the full project/design inventory. An
// already-open sub-handle is released first. Unrecognized or empty names fall
// back to the default application kind.
func (f *Facade) ConnectDesign(appName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected && !f.attach() {
		return false
	}

	if f.app != nil {
		if err := f.app.Release(); err != nil {
			logging.Warn("Could not release previous design handle", "error", err)
		}
		f.app = nil
	}

	activeProject, activeDesign, _, designs := f.props.Snapshot()

	var app aedt.App
	var err error
	if activeDesign != "" && containsDesign(designs, projectName(activeProject), activeDesign) {
		app, err = f.client.AttachDesign(projectName(activeProject), activeDesign)
	} else {
		kind := aedt.ParseAppKind(appName)
		name := fmt.Sprintf("%s_%s", strings.ReplaceAll(kind.String(), " ", ""), shortID())
		app, err = f.client.CreateDesign(kind, name)
	}
	if err != nil {
		logging.Error("Could not open design", "requested", appName, "error", err)
		return false
	}
	f.app = app

	f.refreshInventory()
	return true
}

// Release drops the design sub-handle if present and then the desktop
// handle, forwarding both flags verbatim to the external release call. Local
// handles are cleared no matter what the adapter reports: the facade stops
// tracking a session it was told to let go of, and a failed external release
// is surfaced in the log only.
func (f *Facade) Release(closeProjects, closeOnExit bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = Releasing
	if f.app != nil {
		if err := f.app.Release(); err != nil {
			logging.Warn("Design handle release failed", "error", err)
		}
	}
	if err := f.client.Release(closeProjects, closeOnExit); err != nil {
		logging.Warn("AEDT release failed, clearing local handles anyway", "error", err)
	}
	f.app = nil
	f.connected = false
	f.state = Disconnected
	return true
}

// OpenProject loads a project file, refusing when its lock file exists.
func (f *Facade) OpenProject(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		logging.Error("Open project requested without a connection", "path", path)
		return false
	}
	if err := checkLock(path); err != nil {
		logging.Error("Project is locked", "path", path)
		return false
	}
	if err := f.client.OpenProject(path); err != nil {
		logging.Error("Could not open project", "path", path, "error", err)
		return false
	}
	f.refreshInventory()
	return true
}

// SaveProject saves the active project, optionally under a new path. A
// rename moves the design-list entry from the old project name to the new
// one in the same atomic update as the path bookkeeping.
func (f *Facade) SaveProject(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		logging.Error("Save project requested without a connection")
		return false
	}
	if path != "" {
		if err := checkLock(path); err != nil {
			logging.Error("Save target is locked", "path", path)
			return false
		}
	}
	if err := f.client.SaveProject(path); err != nil {
		logging.Error("Could not save project", "path", path, "error", err)
		return false
	}

	if path != "" {
		f.props.Update(func(r *properties.Record) {
			old := r.ActiveProject
			if old == path {
				return
			}
			oldName, newName := projectName(old), projectName(path)
			if designs, ok := r.DesignList[oldName]; ok {
				r.DesignList[newName] = designs
				delete(r.DesignList, oldName)
			}
			for i, p := range r.ProjectList {
				if p == old {
					r.ProjectList[i] = path
				}
			}
			r.ActiveProject = path
		})
	}
	return true
}

// refreshInventory re-derives project paths, per-project design names and the
// active project/design from the live session and persists them. Failures
// are logged and the previous values kept.
func (f *Facade) refreshInventory() {
	projects, err := f.client.ListProjects()
	if err != nil {
		logging.Warn("Could not list projects", "error", err)
		return
	}

	designs := make(map[string][]string, len(projects))
	for _, project := range projects {
		list, err := f.client.ListDesigns(projectName(project))
		if err != nil {
			logging.Warn("Could not list designs", "project", project, "error", err)
			continue
		}
		designs[projectName(project)] = list
	}

	activeProject, err := f.client.ActiveProject()
	if err != nil {
		logging.Warn("Could not query active project", "error", err)
	}
	activeDesign := ""
	if activeProject != "" {
		if activeDesign, err = f.client.ActiveDesign(projectName(activeProject)); err != nil {
			logging.Warn("Could not query active design", "error", err)
		}
	}

	f.props.Update(func(r *properties.Record) {
		for _, project := range projects {
			if !containsString(r.ProjectList, project) {
				r.ProjectList = append(r.ProjectList, project)
			}
		}
		for name, list := range designs {
			known := r.DesignList[name]
			for _, design := range list {
				if !containsString(known, design) {
					known = append(known, design)
				}
			}
			r.DesignList[name] = known
		}
		if activeProject != "" {
			r.ActiveProject = activeProject
		}
		if activeDesign != "" {
			r.ActiveDesign = activeDesign
		}
	})
}

// DesignNames returns the design names recorded for the active project.
func (f *Facade) DesignNames() []string {
	activeProject, _, _, designs := f.props.Snapshot()
	if list, ok := designs[projectName(activeProject)]; ok {
		return list
	}
	return []string{}
}

// checkLock reports ErrProjectLocked when path's lock sentinel exists.
func checkLock(path string) error {
	if _, err := os.Stat(LockPath(path)); err == nil {
		return fmt.Errorf("%w: %s", ErrProjectLocked, path)
	}
	return nil
}

// LockPath returns the lock sentinel path for a project file.
func LockPath(project string) string {
	return project + ".lock"
}

// projectName is the project key used in the design list: the file stem.
func projectName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func containsDesign(designs map[string][]string, project, design string) bool {
	return containsString(designs[project], design)
}

// shortID returns the compact unique suffix used for generated design names.
func shortID() string {
	return strings.Split(uuid.New().String(), "-")[0]
}
