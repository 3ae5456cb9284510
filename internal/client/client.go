// Package client is the GUI-side mirror of the backend. It keeps an unsealed
// replica of the property document and syncs it by full-document GET/PUT:
// the backend stays the single validator, the replica just follows.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aedthub/internal/logging"
	"aedthub/internal/properties"
)

// Error kinds reported by waits and status checks.
var (
	// ErrWaitTimeout means the backend stayed busy through the whole wait.
	ErrWaitTimeout = errors.New("backend still busy after wait")

	// ErrCrashedState means the backend reported its worker as crashed.
	ErrCrashedState = errors.New("backend worker crashed")
)

// Client talks to one backend instance.
type Client struct {
	baseURL string
	http    *http.Client
	record  *properties.Record
}

// New creates a Client for the backend at baseURL (e.g. "http://127.0.0.1:5001").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		record:  properties.NewOpen(),
	}
}

// Record exposes the local replica. It is refreshed by GetProperties and
// after every mutating call; reading it never touches the network.
func (c *Client) Record() *properties.Record {
	return c.record
}

// message is the standard response body.
type message struct {
	Message string `json:"message"`
}

func (c *Client) url(route string) string {
	return c.baseURL + route
}

// do runs one request and decodes the standard message body. Non-2xx turns
// into an error carrying the backend's message verbatim.
func (c *Client) do(method, route string, body io.Reader) (string, error) {
	req, err := http.NewRequest(method, c.url(route), body)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var msg message
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &msg); err != nil {
		msg.Message = strings.TrimSpace(string(data))
	}
	if resp.StatusCode >= 300 {
		return msg.Message, fmt.Errorf("%s %s: %s", method, route, msg.Message)
	}
	return msg.Message, nil
}

// Health reports whether the backend answers at all.
func (c *Client) Health() bool {
	_, err := c.do(http.MethodGet, "/health", nil)
	return err == nil
}

// Status returns the backend worker state name. A crashed worker comes back
// with ErrCrashedState; transport failures pass through.
func (c *Client) Status() (string, error) {
	resp, err := c.http.Get(c.url("/status"))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return body.Status, fmt.Errorf("%w: %s", ErrCrashedState, body.Status)
	}
	return body.Status, nil
}

// GetProperties pulls the full document and replaces the replica's view of
// it. Keys the replica does not declare are kept, not rejected.
func (c *Client) GetProperties() (map[string]any, error) {
	resp, err := c.http.Get(c.url("/properties"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	if err := c.record.SetMany(doc); err != nil {
		logging.Warn("Replica could not absorb a backend key", "error", err)
	}
	return doc, nil
}

// SetProperties pushes a mapping to the backend and refreshes the replica so
// it reflects whatever the validator actually accepted.
func (c *Client) SetProperties(values map[string]any) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	_, pushErr := c.do(http.MethodPut, "/properties", bytes.NewReader(data))
	if _, err := c.GetProperties(); err != nil {
		logging.Warn("Could not refresh replica after update", "error", err)
	}
	return pushErr
}

// InstalledVersions lists the releases installed on the backend machine.
func (c *Client) InstalledVersions() ([]string, error) {
	resp, err := c.http.Get(c.url("/installed_versions"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Versions []string `json:"versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Versions, nil
}

// Sessions lists running desktop sessions as process id mapped to gRPC port,
// -1 for sessions without a gRPC server.
func (c *Client) Sessions() (map[int]int, error) {
	resp, err := c.http.Get(c.url("/aedt_sessions"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	sessions := make(map[int]int, len(raw))
	for key, port := range raw {
		pid, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		sessions[pid] = port
	}
	return sessions, nil
}

// LaunchAedt asks the backend to warm-start the desktop application. False
// means the worker slot was taken.
func (c *Client) LaunchAedt() (bool, string) {
	msg, err := c.do(http.MethodPost, "/launch_aedt", nil)
	if err != nil {
		return false, msg
	}
	return true, msg
}

// OpenProject opens a project file on the backend.
func (c *Client) OpenProject(path string) (bool, string) {
	msg, err := c.do(http.MethodPost, "/open_project", strings.NewReader(path))
	if err != nil {
		return false, msg
	}
	c.refresh()
	return true, msg
}

// CloseAedt releases the backend's desktop handle.
func (c *Client) CloseAedt(closeProjects, closeOnExit bool) (bool, string) {
	body, _ := json.Marshal(map[string]bool{
		"close_projects": closeProjects,
		"close_on_exit":  closeOnExit,
	})
	msg, err := c.do(http.MethodPost, "/close_aedt", bytes.NewReader(body))
	if err != nil {
		return false, msg
	}
	return true, msg
}

// ConnectDesign opens or creates a design of the given application type.
func (c *Client) ConnectDesign(appName string) (bool, string) {
	body, _ := json.Marshal(map[string]string{"aedtapp": appName})
	msg, err := c.do(http.MethodPost, "/connect_design", bytes.NewReader(body))
	if err != nil {
		return false, msg
	}
	c.refresh()
	return true, msg
}

// SaveProject saves the active project, under path when non-empty.
func (c *Client) SaveProject(path string) (bool, string) {
	var body io.Reader
	if path != "" {
		data, _ := json.Marshal(map[string]string{"path": path})
		body = bytes.NewReader(data)
	}
	msg, err := c.do(http.MethodPost, "/save_project", body)
	if err != nil {
		return false, msg
	}
	c.refresh()
	return true, msg
}

// DesignNames lists the design names of the active project.
func (c *Client) DesignNames() ([]string, error) {
	resp, err := c.http.Get(c.url("/design_names"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		DesignNames []string `json:"design_names"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.DesignNames, nil
}

// WaitToBeIdle polls the backend status once a second until it reports idle
// or timeout seconds have elapsed. A crashed report aborts the wait early.
func (c *Client) WaitToBeIdle(timeout int) error {
	for i := 0; i < timeout; i++ {
		status, err := c.Status()
		if err != nil && errors.Is(err, ErrCrashedState) {
			return err
		}
		if err == nil && status == "idle" {
			return nil
		}
		time.Sleep(1 * time.Second)
	}
	if status, err := c.Status(); err == nil && status == "idle" {
		return nil
	}
	return fmt.Errorf("%w: %d seconds", ErrWaitTimeout, timeout)
}

// refresh pulls the document after a mutating call; failures only log.
func (c *Client) refresh() {
	if _, err := c.GetProperties(); err != nil {
		logging.Warn("Could not refresh replica", "error", err)
	}
}
