// Package audit appends one JSON line per orchestrator command to
// <home>/logs/audit.jsonl. Recording is a no-op until Init.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/sandcastle/internal/shared"
)

// FileName is the audit log under <home>/logs.
const FileName = "audit.jsonl"

// Entry is one audited command.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Command   string `json:"command"`
	Origin    string `json:"origin"`
	AgentID   string `json:"agent_id,omitempty"`
	Reference string `json:"reference,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	failCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailCount returns how many failed commands were recorded since startup.
func FailCount() int64 {
	return failCount.Load()
}

// Record appends e. Messages are redacted before they reach disk.
func Record(e Entry) {
	if !e.OK {
		failCount.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Message = shared.Redact(e.Message)
	e.Reference = shared.Redact(e.Reference)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
