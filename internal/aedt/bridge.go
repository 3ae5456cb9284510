package aedt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"aedthub/internal/logging"
)

// bridgeCommand is one request to the scripting bridge, a long-lived helper
// process wrapping the vendor automation library. One JSON line per command.
type bridgeCommand struct {
	Cmd  string         `json:"cmd"`
	Args map[string]any `json:"args,omitempty"`
}

// bridgeReply is the bridge's one-line JSON answer.
type bridgeReply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// scriptBridge owns the helper subprocess and serializes command exchanges
// over its stdin/stdout. The vendor library is not safe for concurrent
// callers, so every exchange holds the mutex for its full round trip.
type scriptBridge struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	running bool
}

func startBridge(pythonPath, scriptPath string) (*scriptBridge, error) {
	cmd := exec.Command(pythonPath, scriptPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting scripting bridge: %w", err)
	}

	b := &scriptBridge{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		running: true,
	}

	// The bridge announces readiness with a single status line.
	ready := make(chan error, 1)
	go func() {
		var reply bridgeReply
		line, err := b.stdout.ReadBytes('\n')
		if err != nil {
			ready <- err
			return
		}
		if err := json.Unmarshal(line, &reply); err != nil {
			ready <- err
			return
		}
		if !reply.OK {
			ready <- fmt.Errorf("bridge failed to start: %s", reply.Error)
			return
		}
		ready <- nil
	}()

	select {
	case err := <-ready:
		if err != nil {
			cmd.Process.Kill()
			return nil, err
		}
	case <-time.After(30 * time.Second):
		cmd.Process.Kill()
		return nil, fmt.Errorf("scripting bridge did not become ready")
	}

	logging.Info("Scripting bridge started", "pid", cmd.Process.Pid, "script", scriptPath)
	return b, nil
}

// call sends one command and waits for its reply. There is deliberately no
// per-call timeout: external-application calls may legitimately take tens of
// seconds, and bounding them is the caller's job.
func (b *scriptBridge) call(name string, args map[string]any, result any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return fmt.Errorf("scripting bridge not running")
	}

	payload, err := json.Marshal(bridgeCommand{Cmd: name, Args: args})
	if err != nil {
		return err
	}
	if _, err := b.stdin.Write(append(payload, '\n')); err != nil {
		b.running = false
		return fmt.Errorf("writing to bridge: %w", err)
	}

	line, err := b.stdout.ReadBytes('\n')
	if err != nil {
		b.running = false
		return fmt.Errorf("reading from bridge: %w", err)
	}

	var reply bridgeReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return fmt.Errorf("decoding bridge reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("bridge %s: %s", name, reply.Error)
	}
	if result != nil && len(reply.Result) > 0 {
		return json.Unmarshal(reply.Result, result)
	}
	return nil
}

func (b *scriptBridge) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	b.stdin.Close()
	b.cmd.Wait()
}
