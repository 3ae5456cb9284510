package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// backendStub serves just enough of the REST surface for client tests.
type backendStub struct {
	properties map[string]any
	status     string
	putCount   atomic.Int32
}

func newBackendStub() *backendStub {
	return &backendStub{
		properties: map[string]any{
			"url":              "0.0.0.0",
			"port":             5001,
			"is_toolkit_busy":  false,
			"selected_process": 0,
			"backend_extra":    "opaque",
		},
		status: "idle",
	}
}

func (b *backendStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if b.status == "crashed" {
			w.WriteHeader(http.StatusInternalServerError)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": b.status})
	})
	mux.HandleFunc("/properties", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			b.putCount.Add(1)
			var values map[string]any
			json.NewDecoder(r.Body).Decode(&values)
			for k, v := range values {
				b.properties[k] = v
			}
			json.NewEncoder(w).Encode(map[string]string{"message": "properties updated successfully"})
			return
		}
		json.NewEncoder(w).Encode(b.properties)
	})
	mux.HandleFunc("/installed_versions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{"versions": {"2025.1", "2024.2"}})
	})
	mux.HandleFunc("/aedt_sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"7344": 50051, "8100": -1})
	})
	mux.HandleFunc("/launch_aedt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"message": "AEDT launch initiated"})
	})
	return mux
}

func TestStatusDistinguishesCrashed(t *testing.T) {
	stub := newBackendStub()
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()
	c := New(ts.URL)

	status, err := c.Status()
	if err != nil || status != "idle" {
		t.Fatalf("Status = %q, %v", status, err)
	}

	stub.status = "crashed"
	status, err = c.Status()
	if !errors.Is(err, ErrCrashedState) {
		t.Fatalf("err = %v, want ErrCrashedState", err)
	}
	if status != "crashed" {
		t.Errorf("status = %q, want crashed alongside the error", status)
	}
}

func TestReplicaAbsorbsUnknownBackendKeys(t *testing.T) {
	ts := httptest.NewServer(newBackendStub().handler())
	defer ts.Close()
	c := New(ts.URL)

	if _, err := c.GetProperties(); err != nil {
		t.Fatalf("GetProperties: %v", err)
	}
	doc := c.Record().Export()
	if doc["url"] != "0.0.0.0" {
		t.Errorf("url = %v", doc["url"])
	}
	// The replica keeps keys it does not declare instead of rejecting them.
	if doc["backend_extra"] != "opaque" {
		t.Errorf("backend_extra = %v, want it preserved", doc["backend_extra"])
	}
}

func TestSetPropertiesPushesThenRefreshes(t *testing.T) {
	stub := newBackendStub()
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()
	c := New(ts.URL)

	if err := c.SetProperties(map[string]any{"url": "127.0.0.1"}); err != nil {
		t.Fatalf("SetProperties: %v", err)
	}
	if got := stub.putCount.Load(); got != 1 {
		t.Errorf("backend saw %d PUTs, want 1", got)
	}
	if got := c.Record().Export()["url"]; got != "127.0.0.1" {
		t.Errorf("replica url = %v after refresh", got)
	}
}

func TestSessionsConvertsKeysBack(t *testing.T) {
	ts := httptest.NewServer(newBackendStub().handler())
	defer ts.Close()

	sessions, err := New(ts.URL).Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if sessions[7344] != 50051 || sessions[8100] != -1 {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestInstalledVersions(t *testing.T) {
	ts := httptest.NewServer(newBackendStub().handler())
	defer ts.Close()

	versions, err := New(ts.URL).InstalledVersions()
	if err != nil {
		t.Fatalf("InstalledVersions: %v", err)
	}
	if len(versions) != 2 || versions[0] != "2025.1" {
		t.Errorf("versions = %v", versions)
	}
}

func TestWaitToBeIdleAbortsOnCrash(t *testing.T) {
	stub := newBackendStub()
	stub.status = "crashed"
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	start := time.Now()
	err := New(ts.URL).WaitToBeIdle(30)
	if !errors.Is(err, ErrCrashedState) {
		t.Fatalf("err = %v, want ErrCrashedState", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("crash abort took %v, want immediate", elapsed)
	}
}

func TestWaitToBeIdleTimesOut(t *testing.T) {
	stub := newBackendStub()
	stub.status = "busy"
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	start := time.Now()
	err := New(ts.URL).WaitToBeIdle(2)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond {
		t.Errorf("wait returned after %v, want at least two poll intervals", elapsed)
	}
}
