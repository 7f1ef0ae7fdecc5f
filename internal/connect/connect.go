// Package connect reads and writes kernel connection descriptors: the
// transport, host, per-role ports and signing key a front-end needs to
// reach a running kernel. The descriptor round-trips through a JSON
// connection file shared with the kernel process.
package connect

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Info is the connection descriptor for one kernel. Field names follow the
// connection-file format, which the kernel side also parses.
type Info struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
}

const DefaultSignatureScheme = "hmac-sha256"

// PortFor returns the port bound to the named channel role. Unknown roles
// return 0.
func (i *Info) PortFor(role string) int {
	switch role {
	case "shell":
		return i.ShellPort
	case "iopub":
		return i.IOPubPort
	case "stdin":
		return i.StdinPort
	case "control":
		return i.ControlPort
	case "hb":
		return i.HBPort
	}
	return 0
}

// Endpoint returns the dialable URL for the named role, e.g.
// "ws://127.0.0.1:53412/shell". TCP transports get a host:port address.
func (i *Info) Endpoint(role string) string {
	port := i.PortFor(role)
	if i.Transport == "tcp" {
		return net.JoinHostPort(i.IP, fmt.Sprintf("%d", port))
	}
	return fmt.Sprintf("%s://%s/%s", i.Transport, net.JoinHostPort(i.IP, fmt.Sprintf("%d", port)), role)
}

// Validate reports the first structural problem with the descriptor.
func (i *Info) Validate() error {
	if i.Transport == "" {
		return fmt.Errorf("connection info: missing transport")
	}
	if i.IP == "" {
		return fmt.Errorf("connection info: missing ip")
	}
	for _, p := range []struct {
		name string
		port int
	}{
		{"shell_port", i.ShellPort},
		{"iopub_port", i.IOPubPort},
		{"stdin_port", i.StdinPort},
		{"control_port", i.ControlPort},
		{"hb_port", i.HBPort},
	} {
		if p.port <= 0 || p.port > 65535 {
			return fmt.Errorf("connection info: %s out of range: %d", p.name, p.port)
		}
	}
	return nil
}

// ReadFile loads and validates a connection file.
func ReadFile(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing connection file %s: %w", path, err)
	}
	if info.SignatureScheme == "" {
		info.SignatureScheme = DefaultSignatureScheme
	}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &info, nil
}

// WriteFile writes the descriptor to path with owner-only permissions.
// The signing key travels in this file, so it must not be group-readable.
func WriteFile(path string, info *Info) error {
	if err := info.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// NewFilePath returns a unique connection-file path under dir for the
// given kernel id.
func NewFilePath(dir, kernelID string) string {
	return filepath.Join(dir, "kernel-"+kernelID+".json")
}

// PickPorts allocates n distinct free TCP ports by binding :0 and closing
// the listeners. There is a small window where another process can grab a
// returned port before the kernel binds it; callers surface that as a
// kernel start failure.
func PickPorts(ip string, n int) ([]int, error) {
	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	for len(ports) < n {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("allocating port: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// NewLocalInfo builds a descriptor for a locally launched kernel: five
// freshly allocated ports on ip, the given transport and signing key.
func NewLocalInfo(transport, ip, key string) (*Info, error) {
	ports, err := PickPorts(ip, 5)
	if err != nil {
		return nil, err
	}
	return &Info{
		Transport:       transport,
		IP:              ip,
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		SignatureScheme: DefaultSignatureScheme,
		Key:             key,
	}, nil
}
