package script_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/sandcastle/internal/codesource"
	"github.com/basket/sandcastle/internal/sandbox"
	"github.com/basket/sandcastle/internal/sandbox/sandboxtest"
	"github.com/basket/sandcastle/internal/sandbox/script"
)

func goCode(src string) codesource.Code {
	return codesource.Code{Reference: "task.go", Language: codesource.LanguageGo, Source: []byte(src)}
}

const upperProgram = `package main

import (
	"fmt"
	"strings"

	"sandcastle/host"
)

func Run() error {
	data, err := host.ReadFile("in.txt")
	if err != nil {
		return err
	}
	if err := host.WriteFile("out.txt", strings.ToUpper(data)+host.Input("suffix")); err != nil {
		return err
	}
	fmt.Println("wrote out.txt")
	host.Log("done")
	return host.SubmitResult("uppercased", []string{"out.txt"})
}
`

func TestRun_SubmitsThroughCapabilities(t *testing.T) {
	rt := script.New(script.Config{})
	caps := sandboxtest.New(map[string]string{"in.txt": "hello"})
	var transcript bytes.Buffer

	res, err := rt.Run(context.Background(), goCode(upperProgram), sandbox.RunRequest{
		Inputs:       map[string]string{"suffix": "!"},
		Capabilities: caps,
		Transcript:   &transcript,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := caps.Files["out.txt"]; got != "HELLO!" {
		t.Fatalf("out.txt = %q", got)
	}
	submitted, summary, changed := caps.Snapshot()
	if !submitted || summary != "uppercased" {
		t.Fatalf("submission = %v %q", submitted, summary)
	}
	if diff := cmp.Diff([]string{"out.txt"}, changed); diff != "" {
		t.Fatalf("changed files (-want +got):\n%s", diff)
	}
	if !strings.Contains(transcript.String(), "wrote out.txt") {
		t.Fatalf("transcript missing guest output: %q", transcript.String())
	}
	if res.CapabilityCalls != 3 {
		t.Fatalf("capability calls = %d, want 3", res.CapabilityCalls)
	}
}

func TestRun_ReturnWithoutSubmitIsNotAFault(t *testing.T) {
	rt := script.New(script.Config{})
	caps := sandboxtest.New(nil)
	src := `package main

func Run() error { return nil }
`
	if _, err := rt.Run(context.Background(), goCode(src), sandbox.RunRequest{Capabilities: caps}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if submitted, _, _ := caps.Snapshot(); submitted {
		t.Fatal("nothing should have been submitted")
	}
}

func TestRun_GuestErrorIsExecutionFault(t *testing.T) {
	rt := script.New(script.Config{})
	src := `package main

import "errors"

func Run() error { return errors.New("boom") }
`
	_, err := rt.Run(context.Background(), goCode(src), sandbox.RunRequest{Capabilities: sandboxtest.New(nil)})
	f, ok := sandbox.AsFault(err)
	if !ok || f.Reason != sandbox.ReasonExecution || !strings.Contains(f.Detail, "boom") {
		t.Fatalf("expected execution fault, got %v", err)
	}
}

func TestRun_WallClockLimit(t *testing.T) {
	rt := script.New(script.Config{})
	src := `package main

import (
	"time"

	"sandcastle/host"
)

func Run() error {
	for {
		time.Sleep(time.Millisecond)
		if _, err := host.FileExists("x"); err != nil {
			return err
		}
	}
}
`
	caps := sandboxtest.New(nil)
	_, err := rt.Run(context.Background(), goCode(src), sandbox.RunRequest{
		Capabilities: caps,
		Limits:       sandbox.Limits{WallClock: 100 * time.Millisecond, MaxCapabilityCalls: 1 << 30},
	})
	f, ok := sandbox.AsFault(err)
	if !ok || f.Reason != sandbox.ReasonLimitExceeded || f.Limit != sandbox.LimitWallClock {
		t.Fatalf("expected wall clock fault, got %v", err)
	}
}

func TestRun_CallBudgetSurvivesSwallowedError(t *testing.T) {
	rt := script.New(script.Config{})
	src := `package main

import "sandcastle/host"

func Run() error {
	for i := 0; i < 10; i++ {
		host.FileExists("x")
	}
	return nil
}
`
	_, err := rt.Run(context.Background(), goCode(src), sandbox.RunRequest{
		Capabilities: sandboxtest.New(nil),
		Limits:       sandbox.Limits{MaxCapabilityCalls: 3},
	})
	f, ok := sandbox.AsFault(err)
	if !ok || f.Limit != sandbox.LimitCapabilityCalls {
		t.Fatalf("expected capability budget fault, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	rt := script.New(script.Config{})
	cases := []struct {
		name    string
		src     string
		wantErr string
	}{
		{name: "ok", src: "package main\n\nfunc Run() error { return nil }\n"},
		{name: "forbidden import", src: "package main\n\nimport \"os\"\n\nfunc Run() error { _ = os.Args; return nil }\n", wantErr: `import "os" is not allowed`},
		{name: "no entry point", src: "package main\n\nfunc Main() {}\n", wantErr: "missing func Run() error"},
		{name: "wrong signature", src: "package main\n\nfunc Run(x int) error { return nil }\n", wantErr: "missing func Run() error"},
		{name: "wrong package", src: "package tool\n\nfunc Run() error { return nil }\n", wantErr: "package must be main"},
		{name: "syntax", src: "package main\n\nfunc Run() error {\n", wantErr: "expected"},
		{name: "go statement", src: "package main\n\nfunc Run() error {\n\tgo func() {}()\n\treturn nil\n}\n", wantErr: "go statements are not allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			diags, err := rt.Validate(context.Background(), goCode(tc.src))
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if tc.wantErr == "" {
				if codesource.HasErrors(diags) {
					t.Fatalf("unexpected diagnostics: %+v", diags)
				}
				return
			}
			found := false
			for _, d := range diags {
				if strings.Contains(d.Message, tc.wantErr) {
					found = true
				}
			}
			if !found {
				t.Fatalf("diagnostics %+v do not mention %q", diags, tc.wantErr)
			}
		})
	}
}

func TestRun_RejectsInvalidProgram(t *testing.T) {
	rt := script.New(script.Config{})
	caps := sandboxtest.New(nil)
	_, err := rt.Run(context.Background(), goCode("package main\n\nimport \"os/exec\"\n\nfunc Run() error { return nil }\n"),
		sandbox.RunRequest{Capabilities: caps})
	f, ok := sandbox.AsFault(err)
	if !ok || f.Reason != sandbox.ReasonValidation {
		t.Fatalf("expected validation fault, got %v", err)
	}
	if caps.Calls != 0 {
		t.Fatalf("invalid program reached capabilities %d times", caps.Calls)
	}
}

func TestRun_RefusesGuestGoroutines(t *testing.T) {
	rt := script.New(script.Config{})
	cases := []struct {
		name string
		src  string
	}{
		{name: "go statement", src: `package main

import "time"

func Run() error {
	go func() { panic("guest") }()
	time.Sleep(200 * time.Millisecond)
	return nil
}
`},
		{name: "timer callback", src: `package main

import "time"

func Run() error {
	time.AfterFunc(time.Millisecond, func() { panic("guest") })
	time.Sleep(200 * time.Millisecond)
	return nil
}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caps := sandboxtest.New(nil)
			_, err := rt.Run(context.Background(), goCode(tc.src), sandbox.RunRequest{Capabilities: caps})
			if err == nil {
				t.Fatal("expected the program to be refused")
			}
			if caps.Submitted {
				t.Fatal("refused program reached submit_result")
			}
		})
	}
}
