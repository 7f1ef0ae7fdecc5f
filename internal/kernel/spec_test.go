package kernel

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSpec(t *testing.T, dir, name, content string) string {
	t.Helper()
	resourceDir := filepath.Join(dir, name)
	if err := os.MkdirAll(resourceDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(resourceDir, "kernel.json"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return resourceDir
}

func TestFindSpec(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	writeSpec(t, dir2, "python3", `{
		"argv": ["python3", "-m", "kernelapp", "-f", "{connection_file}"],
		"display_name": "Python 3",
		"language": "python",
		"interrupt_mode": "message",
		"env": {"PYTHONUNBUFFERED": "1"}
	}`)

	spec, err := FindSpec("python3", []string{dir1, dir2})
	if err != nil {
		t.Fatalf("FindSpec() error: %v", err)
	}
	if spec.Name != "python3" {
		t.Errorf("Name = %q, want python3", spec.Name)
	}
	if spec.DisplayName != "Python 3" {
		t.Errorf("DisplayName = %q, want Python 3", spec.DisplayName)
	}
	if spec.InterruptMode != InterruptMessage {
		t.Errorf("InterruptMode = %q, want message", spec.InterruptMode)
	}
	if spec.Env["PYTHONUNBUFFERED"] != "1" {
		t.Errorf("Env = %v, missing PYTHONUNBUFFERED", spec.Env)
	}
	if spec.ResourceDir != filepath.Join(dir2, "python3") {
		t.Errorf("ResourceDir = %q", spec.ResourceDir)
	}
}

func TestFindSpecFirstDirWins(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	writeSpec(t, dir1, "k", `{"argv": ["first"]}`)
	writeSpec(t, dir2, "k", `{"argv": ["second"]}`)

	spec, err := FindSpec("k", []string{dir1, dir2})
	if err != nil {
		t.Fatal(err)
	}
	if spec.Argv[0] != "first" {
		t.Errorf("Argv[0] = %q, want first", spec.Argv[0])
	}
}

func TestFindSpecMissing(t *testing.T) {
	if _, err := FindSpec("nope", []string{t.TempDir()}); err == nil {
		t.Error("FindSpec() found a kernelspec that does not exist")
	}
}

func TestFindSpecInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty_argv", `{"argv": []}`},
		{"bad_interrupt_mode", `{"argv": ["x"], "interrupt_mode": "telepathy"}`},
		{"not_json", `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSpec(t, dir, "k", tt.content)
			if _, err := FindSpec("k", []string{dir}); err == nil {
				t.Errorf("FindSpec() accepted %s", tt.content)
			}
		})
	}
}

func TestInterruptModeDefaultsToSignal(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "k", `{"argv": ["x"]}`)
	spec, err := FindSpec("k", []string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if spec.InterruptMode != InterruptSignal {
		t.Errorf("InterruptMode = %q, want signal default", spec.InterruptMode)
	}
}

func TestBuildArgv(t *testing.T) {
	spec := &Spec{
		Name:        "k",
		ResourceDir: "/opt/kernels/k",
		Argv:        []string{"run", "-f", "{connection_file}", "--res", "{resource_dir}"},
	}
	got := spec.BuildArgv("/tmp/conn.json")
	want := []string{"run", "-f", "/tmp/conn.json", "--res", "/opt/kernels/k"}
	if len(got) != len(want) {
		t.Fatalf("BuildArgv() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("BuildArgv() = %v, want %v", got, want)
		}
	}
	// The template itself is untouched.
	if spec.Argv[2] != "{connection_file}" {
		t.Error("BuildArgv() mutated the spec's argv template")
	}
}
