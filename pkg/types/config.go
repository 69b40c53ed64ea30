package types

import (
	"fmt"
	"os"
	"regexp"
	"time"
)

// Package-level defaults
const (
	DefaultAPIVersion        = "sshmonitor.supporttools.io/v1"
	ConfigKind               = "SSHMonitorConfig"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultLogOutput         = "stderr"
	DefaultPrometheusAddress = ":9100"
	DefaultPrometheusPath    = "/metrics"
	DefaultPrometheusNS      = "ssh_monitor"
	DefaultIterations        = 1
	DefaultTestTimeout       = "5m"
)

var (
	prometheusNamespaceRegex = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
	envRefRegex              = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	validLogFormats = map[string]bool{
		"json": true,
		"text": true,
	}

	validLogOutputs = map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
)

// MonitorRegistryValidator lets the configuration check monitor types
// without importing the monitors package. monitors.Registry implements it.
type MonitorRegistryValidator interface {
	IsRegistered(monitorType string) bool
	GetRegisteredTypes() []string
}

// SSHMonitorConfig is the top-level configuration document.
type SSHMonitorConfig struct {
	APIVersion string          `json:"apiVersion" yaml:"apiVersion" toml:"apiVersion"`
	Kind       string          `json:"kind" yaml:"kind" toml:"kind"`
	Metadata   ConfigMetadata  `json:"metadata" yaml:"metadata" toml:"metadata"`
	Settings   GlobalSettings  `json:"settings" yaml:"settings" toml:"settings"`
	Monitors   []MonitorConfig `json:"monitors" yaml:"monitors" toml:"monitors"`
	Exporters  ExporterConfigs `json:"exporters" yaml:"exporters" toml:"exporters"`
	Harness    HarnessConfig   `json:"harness" yaml:"harness" toml:"harness"`
}

// ConfigMetadata contains metadata about the configuration.
type ConfigMetadata struct {
	Name   string            `json:"name" yaml:"name" toml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty" toml:"labels,omitempty"`
}

// GlobalSettings contains logging settings shared by every monitor.
type GlobalSettings struct {
	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty" toml:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty" toml:"logFormat,omitempty"`
	LogOutput string `json:"logOutput,omitempty" yaml:"logOutput,omitempty" toml:"logOutput,omitempty"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty" toml:"logFile,omitempty"`
}

// MonitorConfig represents a single monitor configuration. Config holds the
// type-specific settings and is parsed by the monitor factory.
type MonitorConfig struct {
	Name    string                 `json:"name" yaml:"name" toml:"name"`
	Type    string                 `json:"type" yaml:"type" toml:"type"`
	Enabled bool                   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Config  map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty" toml:"config,omitempty"`
}

// ExporterConfigs contains exporter configurations.
type ExporterConfigs struct {
	Prometheus *PrometheusExporterConfig `json:"prometheus,omitempty" yaml:"prometheus,omitempty" toml:"prometheus,omitempty"`
}

// PrometheusExporterConfig configures the /metrics endpoint.
type PrometheusExporterConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Address   string `json:"address,omitempty" yaml:"address,omitempty" toml:"address,omitempty"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace,omitempty"`
}

// HarnessConfig configures the standalone harness runner.
type HarnessConfig struct {
	// Iterations is the number of pre-test/post-test cycles to run.
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty" toml:"iterations,omitempty"`

	// TestCommand is an optional local command run between PreTest and
	// PostTest of each iteration.
	TestCommand string `json:"testCommand,omitempty" yaml:"testCommand,omitempty" toml:"testCommand,omitempty"`

	TestTimeoutString string        `json:"testTimeout,omitempty" yaml:"testTimeout,omitempty" toml:"testTimeout,omitempty"`
	TestTimeout       time.Duration `json:"-" yaml:"-" toml:"-"`
}

// ApplyDefaults fills in every unset field.
func (c *SSHMonitorConfig) ApplyDefaults() error {
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.Kind == "" {
		c.Kind = ConfigKind
	}
	if c.Metadata.Name == "" {
		c.Metadata.Name = "ssh-monitor"
	}

	c.Settings.ApplyDefaults()

	if c.Exporters.Prometheus != nil {
		c.Exporters.Prometheus.ApplyDefaults()
	}

	if err := c.Harness.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults to harness: %w", err)
	}

	return nil
}

// ApplyDefaults applies default values to GlobalSettings.
func (s *GlobalSettings) ApplyDefaults() {
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = DefaultLogFormat
	}
	if s.LogOutput == "" {
		s.LogOutput = DefaultLogOutput
	}
}

// ApplyDefaults applies default values to PrometheusExporterConfig.
func (p *PrometheusExporterConfig) ApplyDefaults() {
	if p.Address == "" {
		p.Address = DefaultPrometheusAddress
	}
	if p.Path == "" {
		p.Path = DefaultPrometheusPath
	}
	if p.Namespace == "" {
		p.Namespace = DefaultPrometheusNS
	}
}

// ApplyDefaults applies default values to HarnessConfig.
func (h *HarnessConfig) ApplyDefaults() error {
	if h.Iterations == 0 {
		h.Iterations = DefaultIterations
	}
	if h.TestTimeoutString == "" {
		h.TestTimeoutString = DefaultTestTimeout
	}

	var err error
	h.TestTimeout, err = time.ParseDuration(h.TestTimeoutString)
	if err != nil {
		return fmt.Errorf("invalid testTimeout %q: %w", h.TestTimeoutString, err)
	}
	return nil
}

// Validate checks the whole configuration.
func (c *SSHMonitorConfig) Validate() error {
	if c.APIVersion == "" {
		return fmt.Errorf("apiVersion is required")
	}
	if c.Kind != ConfigKind {
		return fmt.Errorf("kind must be %q, got %q", ConfigKind, c.Kind)
	}

	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings validation failed: %w", err)
	}

	if len(c.Monitors) == 0 {
		return fmt.Errorf("at least one monitor must be configured")
	}

	names := make(map[string]bool)
	for i, monitor := range c.Monitors {
		if monitor.Name == "" {
			return fmt.Errorf("monitor %d: name is required", i)
		}
		if names[monitor.Name] {
			return fmt.Errorf("duplicate monitor name %q found", monitor.Name)
		}
		names[monitor.Name] = true

		if err := monitor.Validate(); err != nil {
			return fmt.Errorf("monitor %q validation failed: %w", monitor.Name, err)
		}
	}

	if c.Exporters.Prometheus != nil {
		if err := c.Exporters.Prometheus.Validate(); err != nil {
			return fmt.Errorf("prometheus exporter validation failed: %w", err)
		}
	}

	if err := c.Harness.Validate(); err != nil {
		return fmt.Errorf("harness validation failed: %w", err)
	}

	return nil
}

// ValidateWithRegistry validates the configuration and additionally checks
// that every monitor type is registered.
func (c *SSHMonitorConfig) ValidateWithRegistry(registry MonitorRegistryValidator) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if registry == nil {
		return nil
	}
	for _, monitor := range c.Monitors {
		if !registry.IsRegistered(monitor.Type) {
			return fmt.Errorf("monitor %q has unknown type %q (registered: %v)",
				monitor.Name, monitor.Type, registry.GetRegisteredTypes())
		}
	}
	return nil
}

// Validate validates the GlobalSettings configuration.
func (s *GlobalSettings) Validate() error {
	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("invalid logLevel %q, must be one of: debug, info, warn, error, fatal", s.LogLevel)
	}
	if !validLogFormats[s.LogFormat] {
		return fmt.Errorf("invalid logFormat %q, must be one of: json, text", s.LogFormat)
	}
	if !validLogOutputs[s.LogOutput] {
		return fmt.Errorf("invalid logOutput %q, must be one of: stdout, stderr, file", s.LogOutput)
	}
	if s.LogOutput == "file" && s.LogFile == "" {
		return fmt.Errorf("logFile is required when logOutput is 'file'")
	}
	return nil
}

// Validate validates the MonitorConfig configuration.
func (m *MonitorConfig) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Type == "" {
		return fmt.Errorf("type is required")
	}
	return nil
}

// Validate validates the PrometheusExporterConfig configuration.
func (p *PrometheusExporterConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Address == "" {
		return fmt.Errorf("address is required when prometheus exporter is enabled")
	}
	if len(p.Path) == 0 || p.Path[0] != '/' {
		return fmt.Errorf("path must start with '/', got %q", p.Path)
	}
	if !prometheusNamespaceRegex.MatchString(p.Namespace) {
		return fmt.Errorf("invalid namespace %q", p.Namespace)
	}
	return nil
}

// Validate validates the HarnessConfig configuration.
func (h *HarnessConfig) Validate() error {
	if h.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", h.Iterations)
	}
	if h.TestTimeout <= 0 {
		return fmt.Errorf("testTimeout must be positive, got %v", h.TestTimeout)
	}
	return nil
}

// ExpandEnv replaces ${VAR} references with the value of the environment
// variable, or the empty string when unset. Bare $VAR and other shell
// syntax such as $(cmd) or $1 are left alone so remote commands survive.
func ExpandEnv(s string) string {
	return envRefRegex.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// SubstituteEnvVars expands ${VAR} references in string fields, including
// nested monitor config values.
func (c *SSHMonitorConfig) SubstituteEnvVars() {
	c.Settings.LogFile = ExpandEnv(c.Settings.LogFile)
	c.Harness.TestCommand = ExpandEnv(c.Harness.TestCommand)
	for i := range c.Monitors {
		if c.Monitors[i].Config != nil {
			c.Monitors[i].Config = substituteEnvInMap(c.Monitors[i].Config)
		}
	}
	if c.Exporters.Prometheus != nil {
		c.Exporters.Prometheus.Address = ExpandEnv(c.Exporters.Prometheus.Address)
	}
}

// EnabledMonitors returns the monitors with Enabled set.
func (c *SSHMonitorConfig) EnabledMonitors() []MonitorConfig {
	var out []MonitorConfig
	for _, m := range c.Monitors {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

func substituteEnvInMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for key, value := range m {
		result[key] = substituteEnvInValue(value)
	}
	return result
}

func substituteEnvInValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return ExpandEnv(v)
	case map[string]interface{}:
		return substituteEnvInMap(v)
	case map[interface{}]interface{}:
		stringMap := make(map[string]interface{}, len(v))
		for k, val := range v {
			if strKey, ok := k.(string); ok {
				stringMap[strKey] = val
			}
		}
		return substituteEnvInMap(stringMap)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = substituteEnvInValue(item)
		}
		return out
	default:
		return value
	}
}
