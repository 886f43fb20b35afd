package wasm_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/sandcastle/internal/codesource"
	"github.com/basket/sandcastle/internal/sandbox"
	"github.com/basket/sandcastle/internal/sandbox/sandboxtest"
	"github.com/basket/sandcastle/internal/sandbox/wasm"
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func module(sections ...[]byte) []byte {
	out := append([]byte(nil), header...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

var (
	// type 0: () -> ()
	voidType = []byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00}
	oneFunc  = []byte{0x03, 0x02, 0x01, 0x00}
	// export "run" = func 0
	exportRun = []byte{0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00}

	emptyBody = []byte{0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b}
	// loop br 0 end
	spinBody = []byte{0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b}
	trapBody = []byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b}
)

// submitModule imports host.submit_result and calls it with "done" and no files.
func submitModule() []byte {
	types := []byte{0x01, 0x0c, 0x02,
		0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
		0x60, 0x00, 0x00}
	imports := []byte{0x02, 0x16, 0x01,
		0x04, 'h', 'o', 's', 't',
		0x0d, 's', 'u', 'b', 'm', 'i', 't', '_', 'r', 'e', 's', 'u', 'l', 't',
		0x00, 0x00}
	funcs := []byte{0x03, 0x02, 0x01, 0x01}
	memory := []byte{0x05, 0x03, 0x01, 0x00, 0x01}
	exports := []byte{0x07, 0x10, 0x02,
		0x03, 'r', 'u', 'n', 0x00, 0x01,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00}
	code := []byte{0x0a, 0x0f, 0x01, 0x0d, 0x00,
		0x41, 0x00, 0x41, 0x04, 0x41, 0x00, 0x41, 0x00,
		0x10, 0x00, 0x1a, 0x0b}
	data := []byte{0x0b, 0x0a, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x04, 'd', 'o', 'n', 'e'}
	return module(types, imports, funcs, memory, exports, code, data)
}

func wasmCode(src []byte) codesource.Code {
	return codesource.Code{Reference: "tasks/sample.wasm", Language: codesource.LanguageWasm, Source: src}
}

func TestRun_SubmitResultThroughHostModule(t *testing.T) {
	rt := wasm.New(wasm.Config{})
	caps := sandboxtest.New(nil)
	res, err := rt.Run(context.Background(), wasmCode(submitModule()), sandbox.RunRequest{Capabilities: caps})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	submitted, summary, changed := caps.Snapshot()
	if !submitted || summary != "done" || len(changed) != 0 {
		t.Fatalf("submission = %v %q %v", submitted, summary, changed)
	}
	if res.CapabilityCalls != 1 {
		t.Fatalf("capability calls = %d", res.CapabilityCalls)
	}
}

func TestRun_EmptyRunDoesNotSubmit(t *testing.T) {
	rt := wasm.New(wasm.Config{})
	caps := sandboxtest.New(nil)
	if _, err := rt.Run(context.Background(), wasmCode(module(voidType, oneFunc, exportRun, emptyBody)), sandbox.RunRequest{Capabilities: caps}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if submitted, _, _ := caps.Snapshot(); submitted {
		t.Fatal("empty module must not submit")
	}
}

func TestRun_WallClockLimit(t *testing.T) {
	rt := wasm.New(wasm.Config{})
	start := time.Now()
	_, err := rt.Run(context.Background(), wasmCode(module(voidType, oneFunc, exportRun, spinBody)), sandbox.RunRequest{
		Capabilities: sandboxtest.New(nil),
		Limits:       sandbox.Limits{WallClock: 100 * time.Millisecond},
	})
	f, ok := sandbox.AsFault(err)
	if !ok || f.Reason != sandbox.ReasonLimitExceeded || f.Limit != sandbox.LimitWallClock {
		t.Fatalf("expected wall clock fault, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("spin was not interrupted promptly: %s", elapsed)
	}
}

func TestRun_TrapIsExecutionFault(t *testing.T) {
	rt := wasm.New(wasm.Config{})
	_, err := rt.Run(context.Background(), wasmCode(module(voidType, oneFunc, exportRun, trapBody)), sandbox.RunRequest{
		Capabilities: sandboxtest.New(nil),
	})
	f, ok := sandbox.AsFault(err)
	if !ok || f.Reason != sandbox.ReasonExecution {
		t.Fatalf("expected execution fault, got %v", err)
	}
}

func TestRun_CanceledParentIsNotALimit(t *testing.T) {
	rt := wasm.New(wasm.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := rt.Run(ctx, wasmCode(module(voidType, oneFunc, exportRun, spinBody)), sandbox.RunRequest{
		Capabilities: sandboxtest.New(nil),
		Limits:       sandbox.Limits{WallClock: time.Minute},
	})
	f, ok := sandbox.AsFault(err)
	if !ok || f.Reason != sandbox.ReasonExecution {
		t.Fatalf("expected execution fault on cancel, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	rt := wasm.New(wasm.Config{})
	ctx := context.Background()

	diags, err := rt.Validate(ctx, wasmCode(header))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !codesource.HasErrors(diags) || !strings.Contains(diags[0].Message, `missing "run" export`) {
		t.Fatalf("empty module diagnostics = %+v", diags)
	}

	diags, err = rt.Validate(ctx, wasmCode(submitModule()))
	if err != nil || codesource.HasErrors(diags) {
		t.Fatalf("submit module: diags=%+v err=%v", diags, err)
	}

	diags, _ = rt.Validate(ctx, wasmCode([]byte("not wasm")))
	if !codesource.HasErrors(diags) {
		t.Fatal("garbage must not validate")
	}
}

func TestRun_InvalidModuleIsValidationFault(t *testing.T) {
	rt := wasm.New(wasm.Config{})
	_, err := rt.Run(context.Background(), wasmCode(header), sandbox.RunRequest{Capabilities: sandboxtest.New(nil)})
	f, ok := sandbox.AsFault(err)
	if !ok || f.Reason != sandbox.ReasonValidation {
		t.Fatalf("expected validation fault, got %v", err)
	}
}
