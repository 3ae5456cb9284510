package properties

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	r, err := New(map[string]any{
		"url":              "127.0.0.1",
		"port":             5001,
		"aedt_version":     "2024.2",
		"non_graphical":    true,
		"use_grpc":         true,
		"selected_process": 0,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestSetRejectsUnknownKey(t *testing.T) {
	r := newTestRecord(t)
	before := r.Export()

	err := r.Set("bogus_key", 1)
	if !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("Set(bogus_key) error = %v, want ErrSchemaViolation", err)
	}

	if !reflect.DeepEqual(r.Export(), before) {
		t.Error("Export() changed after rejected write")
	}
}

func TestSetTypeStability(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   any
		wantErr error
		want    any
	}{
		{name: "string into string", key: "aedt_version", value: "2025.1", want: "2025.1"},
		{name: "bool into string", key: "aedt_version", value: true, wantErr: ErrTypeViolation},
		{name: "int into int", key: "selected_process", value: 1234, want: 1234},
		{name: "integral float narrows into int", key: "port", value: float64(5002), want: 5002},
		{name: "fractional float into int", key: "port", value: 2.5, wantErr: ErrTypeViolation},
		{name: "int widens into float", key: "grpc_timeout", value: 30, want: 30.0},
		{name: "float into float", key: "grpc_timeout", value: 2.5, want: 2.5},
		{name: "string into float", key: "grpc_timeout", value: "fast", wantErr: ErrTypeViolation},
		{name: "string into int", key: "port", value: "5002", wantErr: ErrTypeViolation},
		{name: "string list", key: "project_list", value: []any{"a.aedt", "b.aedt"}, want: []string{"a.aedt", "b.aedt"}},
		{name: "mixed list rejected", key: "project_list", value: []any{"a.aedt", 3}, wantErr: ErrTypeViolation},
		{
			name:  "design map",
			key:   "design_list",
			value: map[string]any{"proj": []any{"d1", "d2"}},
			want:  map[string][]string{"proj": {"d1", "d2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRecord(t)
			err := r.Set(tt.key, tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Set(%q, %v) error = %v, want %v", tt.key, tt.value, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Set(%q, %v) error = %v", tt.key, tt.value, err)
			}
			if got := r.Export()[tt.key]; !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Export()[%q] = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestFailedWriteKeepsOldValue(t *testing.T) {
	r := newTestRecord(t)

	if err := r.Set("port", float64(7000)); err != nil {
		t.Fatalf("Set(port, 7000) error = %v", err)
	}
	if err := r.Set("port", "text"); !errors.Is(err, ErrTypeViolation) {
		t.Fatalf("Set(port, text) error = %v, want ErrTypeViolation", err)
	}
	if got := r.Export()["port"]; got != 7000 {
		t.Errorf("port = %v after rejected write, want 7000", got)
	}
}

func TestSetManyPartialApply(t *testing.T) {
	r := newTestRecord(t)

	err := r.SetMany(map[string]any{
		"active_project": "/tmp/board.aedt",
		"bogus_key":      1,
	})
	if err == nil {
		t.Fatal("SetMany() error = nil, want schema violation for bogus_key")
	}
	if !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("SetMany() error = %v, want ErrSchemaViolation", err)
	}

	// The valid key must survive the failed one.
	if got := r.Export()["active_project"]; got != "/tmp/board.aedt" {
		t.Errorf("active_project = %v, want /tmp/board.aedt", got)
	}
}

func TestOpenRecordAcceptsUnknownKeys(t *testing.T) {
	r := NewOpen()

	if err := r.Set("gui_theme", "dark"); err != nil {
		t.Fatalf("Set on open record error = %v", err)
	}
	if got := r.Export()["gui_theme"]; got != "dark" {
		t.Errorf("Export()[gui_theme] = %v, want dark", got)
	}

	// Declared fields still validate on the open record.
	if err := r.Set("port", "not a port"); !errors.Is(err, ErrTypeViolation) {
		t.Errorf("Set(port, string) error = %v, want ErrTypeViolation", err)
	}
}

func TestBusyFlag(t *testing.T) {
	r := newTestRecord(t)
	if r.Busy() {
		t.Error("new record reports busy")
	}
	r.SetBusy(true)
	if !r.Busy() {
		t.Error("Busy() = false after SetBusy(true)")
	}
	if got := r.Export()["is_toolkit_busy"]; got != true {
		t.Errorf("is_toolkit_busy = %v in export, want true", got)
	}
}

func TestFileRoundTrip(t *testing.T) {
	r := newTestRecord(t)
	if err := r.SetMany(map[string]any{
		"project_list":   []any{"/tmp/a.aedt"},
		"design_list":    map[string]any{"a": []any{"HFSSDesign1"}},
		"active_project": "/tmp/a.aedt",
	}); err != nil {
		t.Fatalf("SetMany() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "props.json")
	if err := r.ToFile(path); err != nil {
		t.Fatalf("ToFile() error = %v", err)
	}

	other := newTestRecord(t)
	if err := other.FromFile(path); err != nil {
		t.Fatalf("FromFile() error = %v", err)
	}

	if !reflect.DeepEqual(other.Export(), r.Export()) {
		t.Errorf("round trip mismatch:\ngot  %v\nwant %v", other.Export(), r.Export())
	}
}

func TestExportDoesNotAliasInternals(t *testing.T) {
	r := newTestRecord(t)
	if err := r.Set("project_list", []any{"/tmp/a.aedt"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	exported := r.Export()
	exported["project_list"].([]string)[0] = "mutated"

	if got := r.Export()["project_list"].([]string)[0]; got != "/tmp/a.aedt" {
		t.Errorf("record aliased exported slice: project_list[0] = %q", got)
	}
}
