package aedt

import (
	"fmt"
	"sync"

	"aedthub/internal/logging"
)

// Desktop is the production Client. It drives the vendor scripting library
// through a bridge subprocess; every method is a synchronous round trip.
type Desktop struct {
	mu       sync.Mutex
	bridge   *scriptBridge
	pid      int
	grpcPort int
}

// NewDesktop starts the scripting bridge. The returned client is
// disconnected until Connect succeeds.
func NewDesktop(pythonPath, scriptPath string) (*Desktop, error) {
	bridge, err := startBridge(pythonPath, scriptPath)
	if err != nil {
		return nil, err
	}
	return &Desktop{bridge: bridge, grpcPort: -1}, nil
}

// Connect launches a new desktop session or attaches to an existing one.
func (d *Desktop) Connect(opts ConnectOptions) error {
	var result struct {
		Pid      int `json:"pid"`
		GrpcPort int `json:"grpc_port"`
	}
	err := d.bridge.call("connect", map[string]any{
		"version":       opts.Version,
		"non_graphical": opts.NonGraphical,
		"use_grpc":      opts.Transport == Grpc,
		"pid":           opts.ProcessID,
		"timeout":       opts.Timeout,
	}, &result)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.pid = result.Pid
	if opts.Transport == Grpc {
		d.grpcPort = result.GrpcPort
	} else {
		d.grpcPort = -1
	}
	d.mu.Unlock()

	logging.Info("Connected to AEDT", "pid", result.Pid, "grpcPort", result.GrpcPort,
		"options", opts.String())
	return nil
}

// IsConnected asks the bridge whether the handle is still live.
func (d *Desktop) IsConnected() bool {
	var alive bool
	if err := d.bridge.call("is_connected", nil, &alive); err != nil {
		return false
	}
	return alive
}

// ProcessID returns the connected desktop's process id, 0 when disconnected.
func (d *Desktop) ProcessID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

// GrpcPort returns the session's gRPC port, -1 for native transport.
func (d *Desktop) GrpcPort() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grpcPort
}

// Release drops the desktop handle, forwarding both flags verbatim.
func (d *Desktop) Release(closeProjects, closeOnExit bool) error {
	err := d.bridge.call("release", map[string]any{
		"close_projects": closeProjects,
		"close_on_exit":  closeOnExit,
	}, nil)

	d.mu.Lock()
	d.pid = 0
	d.grpcPort = -1
	d.mu.Unlock()
	return err
}

// OpenProject loads a project file into the session.
func (d *Desktop) OpenProject(path string) error {
	return d.bridge.call("open_project", map[string]any{"path": path}, nil)
}

// SaveProject saves the active project, to path when non-empty.
func (d *Desktop) SaveProject(path string) error {
	return d.bridge.call("save_project", map[string]any{"path": path}, nil)
}

// UnsavedProjects lists project names carrying unsaved modifications.
func (d *Desktop) UnsavedProjects() ([]string, error) {
	var projects []string
	if err := d.bridge.call("unsaved_projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ListProjects returns the paths of every open project.
func (d *Desktop) ListProjects() ([]string, error) {
	var projects []string
	if err := d.bridge.call("list_projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ListDesigns returns the design names inside one project.
func (d *Desktop) ListDesigns(project string) ([]string, error) {
	var designs []string
	err := d.bridge.call("list_designs", map[string]any{"project": project}, &designs)
	if err != nil {
		return nil, err
	}
	return designs, nil
}

// ActiveProject returns the active project path, empty when none.
func (d *Desktop) ActiveProject() (string, error) {
	var project string
	if err := d.bridge.call("active_project", nil, &project); err != nil {
		return "", err
	}
	return project, nil
}

// ActiveDesign returns the active design name inside project.
func (d *Desktop) ActiveDesign(project string) (string, error) {
	var design string
	err := d.bridge.call("active_design", map[string]any{"project": project}, &design)
	if err != nil {
		return "", err
	}
	return design, nil
}

// AttachDesign opens a sub-handle on an existing design.
func (d *Desktop) AttachDesign(project, design string) (App, error) {
	var result struct {
		Kind string `json:"kind"`
	}
	err := d.bridge.call("attach_design", map[string]any{
		"project": project,
		"design":  design,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &desktopApp{bridge: d.bridge, kind: ParseAppKind(result.Kind), name: design}, nil
}

// CreateDesign creates a new design of the given kind.
func (d *Desktop) CreateDesign(kind AppKind, name string) (App, error) {
	err := d.bridge.call("create_design", map[string]any{
		"kind": kind.String(),
		"name": name,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &desktopApp{bridge: d.bridge, kind: kind, name: name}, nil
}

// Close stops the scripting bridge. The desktop process itself is only
// terminated through Release(_, true).
func (d *Desktop) Close() {
	d.bridge.stop()
}

// desktopApp is the bridge-backed sub-handle for one open design.
type desktopApp struct {
	bridge *scriptBridge
	kind   AppKind
	name   string
}

func (a *desktopApp) Kind() AppKind { return a.kind }
func (a *desktopApp) Name() string  { return a.name }

func (a *desktopApp) Release() error {
	err := a.bridge.call("release_app", map[string]any{"design": a.name}, nil)
	if err != nil {
		return fmt.Errorf("releasing design %s: %w", a.name, err)
	}
	return nil
}
