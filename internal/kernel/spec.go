// Package kernel owns the external kernel process: spec resolution,
// launch variants, death detection and the manager that layers the
// interrupt/shutdown protocols over a control channel.
package kernel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Interrupt modes a kernelspec may declare.
const (
	InterruptMessage = "message"
	InterruptSignal  = "signal"
)

// Argv placeholders substituted at launch time.
const (
	PlaceholderConnectionFile = "{connection_file}"
	PlaceholderResourceDir    = "{resource_dir}"
)

// Spec is one resolved kernelspec. Read-only once resolved.
type Spec struct {
	Name          string
	ResourceDir   string
	Argv          []string
	DisplayName   string
	Language      string
	InterruptMode string
	Env           map[string]string
}

// specFile is the kernel.json on-disk format.
type specFile struct {
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	InterruptMode string            `json:"interrupt_mode"`
	Env           map[string]string `json:"env"`
}

// FindSpec resolves name against the given spec directories, first match
// wins. Each candidate is <dir>/<name>/kernel.json.
func FindSpec(name string, dirs []string) (*Spec, error) {
	for _, dir := range dirs {
		resourceDir := filepath.Join(dir, name)
		path := filepath.Join(resourceDir, "kernel.json")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return loadSpec(name, resourceDir, path)
	}
	return nil, fmt.Errorf("kernel: no kernelspec %q in %v", name, dirs)
}

func loadSpec(name, resourceDir, path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf specFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("kernel: parsing %s: %w", path, err)
	}
	if len(sf.Argv) == 0 {
		return nil, fmt.Errorf("kernel: %s has empty argv", path)
	}
	mode := sf.InterruptMode
	if mode == "" {
		mode = InterruptSignal
	}
	if mode != InterruptMessage && mode != InterruptSignal {
		return nil, fmt.Errorf("kernel: %s has unknown interrupt_mode %q", path, mode)
	}
	return &Spec{
		Name:          name,
		ResourceDir:   resourceDir,
		Argv:          sf.Argv,
		DisplayName:   sf.DisplayName,
		Language:      sf.Language,
		InterruptMode: mode,
		Env:           sf.Env,
	}, nil
}

// BuildArgv substitutes the connection-file and resource-dir placeholders
// into the spec's argument template.
func (s *Spec) BuildArgv(connFile string) []string {
	argv := make([]string, len(s.Argv))
	for i, a := range s.Argv {
		a = strings.ReplaceAll(a, PlaceholderConnectionFile, connFile)
		a = strings.ReplaceAll(a, PlaceholderResourceDir, s.ResourceDir)
		argv[i] = a
	}
	return argv
}
