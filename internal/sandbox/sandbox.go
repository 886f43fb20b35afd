// Package sandbox is the execution boundary: a Runtime validates and runs
// resolved code under limits, reaching the outside world only through a
// per-run Capabilities value.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/basket/sandcastle/internal/codesource"
)

// Reason classifies a Fault.
type Reason string

const (
	ReasonLimitExceeded     Reason = "limit_exceeded"
	ReasonExecution         Reason = "execution"
	ReasonMissingCapability Reason = "missing_capability"
	ReasonValidation        Reason = "validation"
)

// Limit names which limit a ReasonLimitExceeded fault tripped.
const (
	LimitWallClock       = "wall_clock"
	LimitMemory          = "memory"
	LimitCapabilityCalls = "capability_calls"
	LimitFileSize        = "file_size"
)

// Fault is the typed failure every Runtime returns.
type Fault struct {
	Reason Reason
	Limit  string
	Detail string
}

func (f *Fault) Error() string {
	if f.Limit != "" {
		return fmt.Sprintf("%s (%s): %s", f.Reason, f.Limit, f.Detail)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Detail)
}

// AsFault extracts a *Fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsLimitExceeded reports whether err is a limit fault.
func IsLimitExceeded(err error) bool {
	f, ok := AsFault(err)
	return ok && f.Reason == ReasonLimitExceeded
}

const (
	DefaultWallClock          = 60 * time.Second
	DefaultMemoryLimitPages   = 160 // 10 MiB at 64 KiB per page
	DefaultMaxCapabilityCalls = 10000
	DefaultMaxFileBytes       = 1 << 20
)

// Limits bound one run. Zero fields take the defaults.
type Limits struct {
	WallClock          time.Duration
	MemoryLimitPages   uint32
	MaxCapabilityCalls int
	MaxFileBytes       int64
}

func (l Limits) WithDefaults() Limits {
	if l.WallClock <= 0 {
		l.WallClock = DefaultWallClock
	}
	if l.MemoryLimitPages == 0 {
		l.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if l.MaxCapabilityCalls <= 0 {
		l.MaxCapabilityCalls = DefaultMaxCapabilityCalls
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = DefaultMaxFileBytes
	}
	return l
}

// Match is one content search hit.
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Capabilities is the whole surface guest code can reach. Every method
// resolves against the single overlay bound to the run.
type Capabilities interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDir(ctx context.Context, dir string) ([]string, error)
	FileExists(ctx context.Context, path string) (bool, error)
	SearchFiles(ctx context.Context, pattern string) ([]string, error)
	SearchContent(ctx context.Context, query string) ([]Match, error)
	SubmitResult(ctx context.Context, summary string, changedFiles []string) error
	Log(ctx context.Context, msg string)
}

// RunRequest is everything a run receives besides the code.
type RunRequest struct {
	Inputs       map[string]string
	Capabilities Capabilities
	Limits       Limits
	// Transcript receives guest stdout and stderr. Nil discards them.
	Transcript io.Writer
}

// TranscriptOrDiscard returns r.Transcript or io.Discard.
func (r RunRequest) TranscriptOrDiscard() io.Writer {
	if r.Transcript == nil {
		return io.Discard
	}
	return r.Transcript
}

// Result describes a run that finished without a fault. Completion is
// signalled only through SubmitResult; Value is informational.
type Result struct {
	Value           string
	Duration        time.Duration
	CapabilityCalls int
}

// Runtime validates and executes one language.
type Runtime interface {
	Validate(ctx context.Context, code codesource.Code) ([]codesource.Diagnostic, error)
	Run(ctx context.Context, code codesource.Code, req RunRequest) (Result, error)
}
