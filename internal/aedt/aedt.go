// Package aedt wraps the proprietary desktop simulation application behind a
// small adapter surface. Everything above this package treats the application
// as an opaque collaborator whose calls may block or fail for unbounded time;
// nothing above it imports the vendor tooling directly.
package aedt

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations that require a live application
// handle when none exists.
var ErrNotConnected = errors.New("no live AEDT handle")

// AppKind identifies a supported application/design type. The set is closed:
// an unrecognized name falls back to the default kind instead of ever
// dispatching on a raw string.
type AppKind int

const (
	// Hfss is the default application kind.
	Hfss AppKind = iota
	Maxwell3D
	Q3D
	Icepak
	Circuit
)

// String returns the design-type name as the application reports it.
func (k AppKind) String() string {
	switch k {
	case Maxwell3D:
		return "Maxwell 3D"
	case Q3D:
		return "Q3D Extractor"
	case Icepak:
		return "Icepak"
	case Circuit:
		return "Circuit Design"
	default:
		return "HFSS"
	}
}

// ParseAppKind maps a user-supplied name to an AppKind. Unknown or empty
// names resolve to Hfss.
func ParseAppKind(name string) AppKind {
	switch name {
	case "Maxwell 3D", "Maxwell3D", "Maxwell3d":
		return Maxwell3D
	case "Q3D Extractor", "Q3D", "Q3d":
		return Q3D
	case "Icepak":
		return Icepak
	case "Circuit Design", "Circuit":
		return Circuit
	default:
		return Hfss
	}
}

// Transport selects how the scripting layer talks to the application.
type Transport int

const (
	// Grpc connects through the application's gRPC server.
	Grpc Transport = iota
	// Native uses the platform-native IPC channel.
	Native
)

func (t Transport) String() string {
	if t == Native {
		return "native"
	}
	return "grpc"
}

// ConnectOptions describe a launch-or-attach request. A zero ProcessID always
// means "start a new session"; Transport is chosen independently and applies
// to both new and existing sessions.
type ConnectOptions struct {
	Version      string
	NonGraphical bool
	Transport    Transport
	ProcessID    int     // attach target; 0 starts a new session
	Timeout      float64 // gRPC connection timeout in seconds
}

func (o ConnectOptions) String() string {
	return fmt.Sprintf("version=%s transport=%s nonGraphical=%v pid=%d",
		o.Version, o.Transport, o.NonGraphical, o.ProcessID)
}

// App is the sub-handle for one open application/design inside a session.
// It must never outlive the Client that produced it.
type App interface {
	// Kind reports the application kind behind the handle.
	Kind() AppKind
	// Name reports the design name.
	Name() string
	// Release closes the sub-handle without touching the parent session.
	Release() error
}

// Client is the live connection to one AEDT session. Implementations may
// block indefinitely inside any method; callers that care run them through
// the background worker slot.
type Client interface {
	// Connect launches or attaches per opts.
	Connect(opts ConnectOptions) error
	// IsConnected reports whether the handle is live.
	IsConnected() bool
	// ProcessID returns the desktop process id, 0 when disconnected.
	ProcessID() int
	// GrpcPort returns the session's gRPC port, or -1 for native transport.
	GrpcPort() int

	// Release drops the handle. Both flags are forwarded verbatim to the
	// application: close open projects, and terminate the desktop process on
	// exit.
	Release(closeProjects, closeOnExit bool) error

	// OpenProject loads a project file into the session.
	OpenProject(path string) error
	// SaveProject saves the active project, to path when non-empty.
	SaveProject(path string) error
	// UnsavedProjects lists projects with unsaved modifications.
	UnsavedProjects() ([]string, error)

	ListProjects() ([]string, error)
	ListDesigns(project string) ([]string, error)
	ActiveProject() (string, error)
	ActiveDesign(project string) (string, error)

	// AttachDesign returns a sub-handle on an existing design.
	AttachDesign(project, design string) (App, error)
	// CreateDesign creates a design of the given kind with the given name
	// and returns its sub-handle.
	CreateDesign(kind AppKind, name string) (App, error)
}
