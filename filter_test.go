package escapexl

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// echoFilter prints its arguments on the first line, then copies stdin.
const echoFilter = `printf 'args:%s\n' "$*"
cat
`

// newStubFilter writes script to a temp dir and returns a Filter running it with sh.
func newStubFilter(t *testing.T, script string) *Filter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub_filter.sh")
	writeFile(t, path, script)
	return &Filter{
		Interpreter: "sh",
		Script:      path,
		Timeout:     10 * time.Second,
	}
}

func TestFilter_Argv(t *testing.T) {
	f := &Filter{Interpreter: "perl", Script: "escape_excel.pl"}
	tests := []struct {
		name string
		args []Arg
		want []string
	}{
		{"NoFlags", nil, []string{"escape_excel.pl"}},
		{"OneFlag", []Arg{{Key: "--no-dates"}}, []string{"escape_excel.pl", "--no-dates"}},
		{"FlagWithValue", []Arg{{Key: "--paranoid"}, {Key: "-o", Value: "out.txt"}}, []string{"escape_excel.pl", "--paranoid", "-o", "out.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Argv(tt.args); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Argv = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewFilter(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "escape_excel.pl")
	writeFile(t, script, "")
	t.Setenv("ESCAPE_EXCEL_PL_PATH", "")
	t.Setenv("ESCAPEXL_SCRIPT_DIRS", "")

	f := NewFilter(&Config{Interpreter: "sh", ScriptDir: dir, RawTimeout: "45s"})
	if f.Interpreter != "sh" {
		t.Errorf("Interpreter = %q, want %q", f.Interpreter, "sh")
	}
	if f.Script != script {
		t.Errorf("Script = %q, want %q", f.Script, script)
	}
	if f.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v, want 45s", f.Timeout)
	}

	missing := NewFilter(&Config{Interpreter: "sh", Script: "non_existent_filter.pl"})
	if missing.Script != "non_existent_filter.pl" {
		t.Errorf("Script = %q, want the unresolved name", missing.Script)
	}
}

func TestFilter_Preflight(t *testing.T) {
	f := newStubFilter(t, echoFilter)
	if err := f.Preflight(); err != nil {
		t.Fatalf("Preflight: %v", err)
	}

	noScript := &Filter{Interpreter: "sh", Script: filepath.Join(t.TempDir(), "missing.pl")}
	if err := noScript.Preflight(); err == nil || !strings.Contains(err.Error(), "script") {
		t.Errorf("Preflight = %v, want script error", err)
	}

	noInterp := &Filter{Interpreter: "nonexistent-interpreter-xyz-123", Script: f.Script}
	if err := noInterp.Preflight(); err == nil || !strings.Contains(err.Error(), "interpreter") {
		t.Errorf("Preflight = %v, want interpreter error", err)
	}
}

func TestFilter_RoundTrip(t *testing.T) {
	f := newStubFilter(t, echoFilter)
	p, err := f.Start(context.Background(), []Arg{{Key: "--no-dates"}, {Key: "--paranoid"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.ID == "" {
		t.Error("ID is empty")
	}

	go func() {
		if err := p.Feed([]byte("a\tb\n1-2\t007\n")); err != nil {
			t.Errorf("Feed: %v", err)
		}
	}()

	out, err := io.ReadAll(p)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	want := "args:--no-dates --paranoid\na\tb\n1-2\t007\n"
	if string(out) != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestFilter_NonZeroExit(t *testing.T) {
	f := newStubFilter(t, "cat >/dev/null\necho 'bad input' >&2\nexit 3\n")
	p, err := f.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() { _ = p.Feed([]byte("x")) }()

	out, _ := io.ReadAll(p)
	if len(out) != 0 {
		t.Errorf("output = %q, want none", out)
	}

	err = p.Wait()
	var ferr *FilterError
	if !errors.As(err, &ferr) {
		t.Fatalf("Wait = %v, want *FilterError", err)
	}
	if ferr.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", ferr.ExitCode())
	}
	if ferr.RunID != p.ID {
		t.Errorf("RunID = %q, want %q", ferr.RunID, p.ID)
	}
	if !strings.Contains(ferr.Stderr, "bad input") {
		t.Errorf("Stderr = %q, want to contain 'bad input'", ferr.Stderr)
	}
}

func TestFilter_StderrTruncated(t *testing.T) {
	f := newStubFilter(t, "head -c 500 /dev/zero >&2\n")
	f.MaxStderr = 100
	p, err := f.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = p.CloseInput()
	_, _ = io.ReadAll(p)
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := len(p.Stderr()); got != 100 {
		t.Errorf("len(Stderr()) = %d, want 100", got)
	}
}

func TestFilter_StartFailure(t *testing.T) {
	f := &Filter{Interpreter: "nonexistent-interpreter-xyz-123", Script: "escape_excel.pl"}
	_, err := f.Start(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for missing interpreter")
	}
	if !strings.Contains(err.Error(), "nonexistent-interpreter-xyz-123") {
		t.Errorf("error = %q, want to mention the interpreter", err)
	}
}

func TestFilter_Timeout(t *testing.T) {
	// The child sleep keeps stdout open, so only a process group kill ends the run quickly.
	f := newStubFilter(t, "sleep 30\n")
	f.Timeout = 200 * time.Millisecond

	start := time.Now()
	p, err := f.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, _ = io.ReadAll(p)
	err = p.Wait()
	if err == nil {
		t.Fatal("expected error after timeout")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("filter ran for %v after timeout", elapsed)
	}
}

func TestFilter_Cancel(t *testing.T) {
	f := newStubFilter(t, "sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	p, err := f.Start(ctx, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	cancel()
	_, _ = io.ReadAll(p)
	err = p.Wait()
	var ferr *FilterError
	if !errors.As(err, &ferr) {
		t.Fatalf("Wait = %v, want *FilterError", err)
	}
	if ferr.ExitCode() != -1 {
		t.Errorf("ExitCode() = %d, want -1 for a killed filter", ferr.ExitCode())
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("filter ran for %v after cancel", elapsed)
	}
}

func TestFilter_Kill(t *testing.T) {
	f := newStubFilter(t, "sleep 30\n")
	p, err := f.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Kill()
	if err := p.Wait(); err == nil {
		t.Fatal("expected error for a killed filter")
	}
}

func TestLimitWriter(t *testing.T) {
	w := &limitWriter{limit: 5}
	n, err := w.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = w.Write([]byte("defgh"))
	if n != 5 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = w.Write([]byte("ij"))
	if n != 2 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if w.String() != "abcde" {
		t.Errorf("String() = %q, want %q", w.String(), "abcde")
	}
}
