package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Kernels   KernelsConfig   `yaml:"kernels"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Loop      LoopConfig      `yaml:"loop"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

// KernelsConfig controls where kernelspecs are discovered and how
// connection files are written.
type KernelsConfig struct {
	SpecDirs      []string `yaml:"spec_dirs"`
	ConnectionDir string   `yaml:"connection_dir"`
	IP            string   `yaml:"ip"`
	Transport     string   `yaml:"transport"`
}

type TimeoutsConfig struct {
	KernelStart    time.Duration `yaml:"kernel_start"`
	ConnectionFile time.Duration `yaml:"connection_file"`
	Shutdown       time.Duration `yaml:"shutdown"`
	Interrupt      time.Duration `yaml:"interrupt"`
	Call           time.Duration `yaml:"call"`
}

type HeartbeatConfig struct {
	Period      time.Duration `yaml:"period"`
	TimeToDead  time.Duration `yaml:"time_to_dead"`
	MaxFailures int           `yaml:"max_failures"`
}

// LoopConfig tunes the event loop worker.
type LoopConfig struct {
	PollWait     time.Duration `yaml:"poll_wait"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

// Default returns a Config populated with every default value. Load starts
// from this so a partial YAML file only overrides what it names.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8090,
			Host: "127.0.0.1",
		},
		Kernels: KernelsConfig{
			SpecDirs:      defaultSpecDirs(),
			ConnectionDir: os.TempDir(),
			IP:            "127.0.0.1",
			Transport:     "ws",
		},
		Timeouts: TimeoutsConfig{
			KernelStart:    60 * time.Second,
			ConnectionFile: 30 * time.Second,
			Shutdown:       5 * time.Second,
			Interrupt:      5 * time.Second,
			Call:           10 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Period:      3 * time.Second,
			TimeToDead:  time.Second,
			MaxFailures: 5,
		},
		Loop: LoopConfig{
			PollWait:     200 * time.Millisecond,
			StartTimeout: 30 * time.Second,
			StopTimeout:  5 * time.Second,
		},
	}
}

func defaultSpecDirs() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return []string{"/usr/local/share/kernels", "/usr/share/kernels"}
	}
	return []string{
		home + "/.local/share/kernels",
		"/usr/local/share/kernels",
		"/usr/share/kernels",
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Heartbeat.MaxFailures < 1 {
		return fmt.Errorf("heartbeat.max_failures must be >= 1, got %d", c.Heartbeat.MaxFailures)
	}
	if c.Heartbeat.TimeToDead <= 0 {
		return fmt.Errorf("heartbeat.time_to_dead must be positive, got %v", c.Heartbeat.TimeToDead)
	}
	if c.Kernels.Transport != "ws" && c.Kernels.Transport != "tcp" {
		return fmt.Errorf("kernels.transport must be ws or tcp, got %q", c.Kernels.Transport)
	}
	return nil
}
