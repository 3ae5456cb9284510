package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"aedthub/internal/aedt"
	"aedthub/internal/properties"
)

// fakeClient is an in-memory aedt.Client that records calls and serves
// canned inventory.
type fakeClient struct {
	connectErr  error
	releaseErr  error
	connectGate chan struct{} // when set, Connect blocks until it closes

	pid      int
	grpcPort int

	projects      []string
	designs       map[string][]string
	unsaved       []string
	activeProject string
	activeDesign  string

	connectCalls  []aedt.ConnectOptions
	releaseCalls  [][2]bool
	openedPaths   []string
	savedPaths    []string
	createdKinds  []aedt.AppKind
	createdNames  []string
	attachedPairs [][2]string

	connected bool
}

func (f *fakeClient) Connect(opts aedt.ConnectOptions) error {
	f.connectCalls = append(f.connectCalls, opts)
	if f.connectGate != nil {
		<-f.connectGate
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) IsConnected() bool { return f.connected }
func (f *fakeClient) ProcessID() int    { return f.pid }
func (f *fakeClient) GrpcPort() int     { return f.grpcPort }

func (f *fakeClient) Release(closeProjects, closeOnExit bool) error {
	f.releaseCalls = append(f.releaseCalls, [2]bool{closeProjects, closeOnExit})
	f.connected = false
	return f.releaseErr
}

func (f *fakeClient) OpenProject(path string) error {
	f.openedPaths = append(f.openedPaths, path)
	return nil
}

func (f *fakeClient) SaveProject(path string) error {
	f.savedPaths = append(f.savedPaths, path)
	return nil
}

func (f *fakeClient) UnsavedProjects() ([]string, error) { return f.unsaved, nil }
func (f *fakeClient) ListProjects() ([]string, error)    { return f.projects, nil }

func (f *fakeClient) ListDesigns(project string) ([]string, error) {
	return f.designs[project], nil
}

func (f *fakeClient) ActiveProject() (string, error) { return f.activeProject, nil }

func (f *fakeClient) ActiveDesign(string) (string, error) { return f.activeDesign, nil }

func (f *fakeClient) AttachDesign(project, design string) (aedt.App, error) {
	f.attachedPairs = append(f.attachedPairs, [2]string{project, design})
	return &fakeApp{name: design}, nil
}

func (f *fakeClient) CreateDesign(kind aedt.AppKind, name string) (aedt.App, error) {
	f.createdKinds = append(f.createdKinds, kind)
	f.createdNames = append(f.createdNames, name)
	return &fakeApp{kind: kind, name: name}, nil
}

type fakeApp struct {
	kind     aedt.AppKind
	name     string
	released bool
}

func (a *fakeApp) Kind() aedt.AppKind { return a.kind }
func (a *fakeApp) Name() string       { return a.name }
func (a *fakeApp) Release() error     { a.released = true; return nil }

func newTestRecord(t *testing.T, defaults map[string]any) *properties.Record {
	t.Helper()
	props, err := properties.New(defaults)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return props
}

func TestLaunchRecordsGrpcPortAndReleasesHandle(t *testing.T) {
	props := newTestRecord(t, map[string]any{"use_grpc": true})
	fake := &fakeClient{pid: 7344, grpcPort: 50051, unsaved: []string{"motor"}}
	facade := New(props, fake)

	if !facade.Launch() {
		t.Fatal("Launch returned false")
	}

	got := props.Export()["selected_process"]
	if got != 50051 {
		t.Errorf("selected_process = %v, want gRPC port 50051", got)
	}
	if len(fake.savedPaths) != 1 || fake.savedPaths[0] != "motor" {
		t.Errorf("saved projects = %v, want [motor]", fake.savedPaths)
	}
	if len(fake.releaseCalls) != 1 || fake.releaseCalls[0] != [2]bool{false, false} {
		t.Errorf("release calls = %v, want one call with both flags false", fake.releaseCalls)
	}
	if facade.State() != Disconnected {
		t.Errorf("state after launch = %v, want disconnected", facade.State())
	}
}

func TestLaunchRecordsPidForNativeTransport(t *testing.T) {
	props := newTestRecord(t, map[string]any{"use_grpc": false})
	fake := &fakeClient{pid: 4242, grpcPort: -1}
	facade := New(props, fake)

	if !facade.Launch() {
		t.Fatal("Launch returned false")
	}
	if got := props.Export()["selected_process"]; got != 4242 {
		t.Errorf("selected_process = %v, want pid 4242", got)
	}
}

func TestConnectFailsFastWithoutRecordedProcess(t *testing.T) {
	props := newTestRecord(t, nil)
	fake := &fakeClient{}
	facade := New(props, fake)

	if facade.Connect() {
		t.Fatal("Connect succeeded with selected_process 0")
	}
	if len(fake.connectCalls) != 0 {
		t.Errorf("adapter Connect called %d times, want 0", len(fake.connectCalls))
	}
}

func TestConnectAttachesToRecordedProcess(t *testing.T) {
	props := newTestRecord(t, map[string]any{"selected_process": 50051, "use_grpc": true})
	fake := &fakeClient{pid: 7344, grpcPort: 50051}
	facade := New(props, fake)

	if !facade.Connect() {
		t.Fatal("Connect returned false")
	}
	if len(fake.connectCalls) != 1 {
		t.Fatalf("adapter Connect called %d times, want 1", len(fake.connectCalls))
	}
	if fake.connectCalls[0].ProcessID != 50051 {
		t.Errorf("attach target = %d, want 50051", fake.connectCalls[0].ProcessID)
	}
	if ok, msg := facade.IsConnected(); !ok || !strings.Contains(msg, "7344") {
		t.Errorf("IsConnected = %v, %q", ok, msg)
	}
}

func TestConnectDesignCreatesWhenNoRecordedDesign(t *testing.T) {
	props := newTestRecord(t, map[string]any{"selected_process": 7344})
	fake := &fakeClient{pid: 7344, grpcPort: -1}
	facade := New(props, fake)

	if !facade.ConnectDesign("Maxwell 3D") {
		t.Fatal("ConnectDesign returned false")
	}
	if len(fake.createdKinds) != 1 || fake.createdKinds[0] != aedt.Maxwell3D {
		t.Fatalf("created kinds = %v, want [Maxwell 3D]", fake.createdKinds)
	}
	if name := fake.createdNames[0]; !strings.HasPrefix(name, "Maxwell3D_") {
		t.Errorf("generated name = %q, want Maxwell3D_ prefix", name)
	}
}

func TestConnectDesignGeneratesUniqueNames(t *testing.T) {
	props := newTestRecord(t, map[string]any{"selected_process": 7344})
	fake := &fakeClient{pid: 7344, grpcPort: -1}
	facade := New(props, fake)

	facade.ConnectDesign("")
	facade.ConnectDesign("")
	if len(fake.createdNames) != 2 {
		t.Fatalf("created %d designs, want 2", len(fake.createdNames))
	}
	if fake.createdNames[0] == fake.createdNames[1] {
		t.Errorf("generated names collide: %q", fake.createdNames[0])
	}
}

func TestConnectDesignAttachesRecordedActiveDesign(t *testing.T) {
	props := newTestRecord(t, map[string]any{
		"selected_process": 7344,
		"active_project":   "/work/motor.aedt",
		"active_design":    "stator",
		"design_list":      map[string]any{"motor": []any{"stator", "rotor"}},
	})
	fake := &fakeClient{pid: 7344, grpcPort: -1}
	facade := New(props, fake)

	if !facade.ConnectDesign("HFSS") {
		t.Fatal("ConnectDesign returned false")
	}
	if len(fake.createdNames) != 0 {
		t.Errorf("created designs = %v, want none", fake.createdNames)
	}
	want := [2]string{"motor", "stator"}
	if len(fake.attachedPairs) != 1 || fake.attachedPairs[0] != want {
		t.Errorf("attached = %v, want [%v]", fake.attachedPairs, want)
	}
}

func TestOpenProjectRefusesLocked(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "motor.aedt")
	for _, path := range []string{project, LockPath(project)} {
		if err := os.WriteFile(path, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	props := newTestRecord(t, map[string]any{"selected_process": 7344})
	fake := &fakeClient{pid: 7344, grpcPort: -1}
	facade := New(props, fake)
	facade.Connect()

	if facade.OpenProject(project) {
		t.Fatal("OpenProject succeeded on a locked project")
	}
	if len(fake.openedPaths) != 0 {
		t.Errorf("adapter OpenProject called with %v, want no calls", fake.openedPaths)
	}

	if err := os.Remove(LockPath(project)); err != nil {
		t.Fatal(err)
	}
	if !facade.OpenProject(project) {
		t.Fatal("OpenProject failed after the lock was removed")
	}
}

func TestSaveProjectRenameMovesDesignEntry(t *testing.T) {
	props := newTestRecord(t, map[string]any{
		"selected_process": 7344,
		"active_project":   "/work/motor.aedt",
		"project_list":     []any{"/work/motor.aedt"},
		"design_list":      map[string]any{"motor": []any{"stator"}},
	})
	fake := &fakeClient{pid: 7344, grpcPort: -1}
	facade := New(props, fake)
	facade.Connect()

	if !facade.SaveProject("/work/motor_v2.aedt") {
		t.Fatal("SaveProject returned false")
	}

	_, _, projects, designs := props.Snapshot()
	if _, ok := designs["motor"]; ok {
		t.Error("old design-list entry still present after rename")
	}
	if got := designs["motor_v2"]; len(got) != 1 || got[0] != "stator" {
		t.Errorf("design_list[motor_v2] = %v, want [stator]", got)
	}
	if len(projects) != 1 || projects[0] != "/work/motor_v2.aedt" {
		t.Errorf("project_list = %v, want the renamed path only", projects)
	}
	if got := props.Export()["active_project"]; got != "/work/motor_v2.aedt" {
		t.Errorf("active_project = %v", got)
	}
}

func TestReleaseClearsHandlesOnAdapterFailure(t *testing.T) {
	props := newTestRecord(t, map[string]any{"selected_process": 7344})
	fake := &fakeClient{pid: 7344, grpcPort: -1, releaseErr: errors.New("bridge gone")}
	facade := New(props, fake)
	facade.Connect()

	if !facade.Release(true, true) {
		t.Fatal("Release returned false")
	}
	if ok, _ := facade.IsConnected(); ok {
		t.Error("facade still connected after Release")
	}
	if facade.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", facade.State())
	}
	if len(fake.releaseCalls) != 1 || fake.releaseCalls[0] != [2]bool{true, true} {
		t.Errorf("release calls = %v, want flags forwarded verbatim", fake.releaseCalls)
	}
}

// Launch runs on the background worker goroutine while the HTTP layer keeps
// calling into the facade; every entry point must go through the one mutex.
// Run with -race to catch regressions here.
func TestFacadeSerializesConcurrentCallers(t *testing.T) {
	props := newTestRecord(t, map[string]any{"use_grpc": false})
	gate := make(chan struct{})
	fake := &fakeClient{pid: 7344, grpcPort: -1, connectGate: gate}
	facade := New(props, fake)

	var wg sync.WaitGroup
	launched := false
	wg.Add(2)
	go func() {
		defer wg.Done()
		launched = facade.Launch()
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			facade.IsConnected()
			facade.State()
			facade.OpenProject("/work/motor.aedt")
		}
	}()

	// Let the callers pile up behind the held connection, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if !launched {
		t.Fatal("Launch returned false")
	}
	if len(fake.connectCalls) != 1 {
		t.Errorf("adapter Connect called %d times, want 1", len(fake.connectCalls))
	}
	if facade.State() != Disconnected {
		t.Errorf("state = %v, want disconnected after launch", facade.State())
	}
}

func TestLockWatcherObservesSentinel(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "motor.aedt")

	changes := make(chan bool, 8)
	lw, err := WatchLock(project, func(locked bool) { changes <- locked })
	if err != nil {
		t.Fatalf("WatchLock: %v", err)
	}
	defer lw.Close()

	if got := waitChange(t, changes); got {
		t.Fatal("initial state reported locked with no sentinel present")
	}

	if err := os.WriteFile(LockPath(project), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if got := waitChange(t, changes); !got {
		t.Fatal("lock creation not reported")
	}

	if err := os.Remove(LockPath(project)); err != nil {
		t.Fatal(err)
	}
	if got := waitChange(t, changes); got {
		t.Fatal("lock removal not reported")
	}
}

func waitChange(t *testing.T, ch chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lock state change")
		return false
	}
}
