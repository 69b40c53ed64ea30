package ssh

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/supporttools/ssh-monitor/pkg/credentials"
	"github.com/supporttools/ssh-monitor/pkg/types"
)

// MonitorType is the registry type name of the SSH monitor.
const MonitorType = "ssh"

// Defaults for optional settings.
const (
	DefaultPort          = 22
	DefaultRetryInterval = time.Second
	DefaultIdleInterval  = 100 * time.Millisecond
)

// Config holds everything the SSH monitor needs. It is immutable once the
// monitor is built.
type Config struct {
	Hostname string
	Port     int
	Username string
	Password string

	// StatusCommand exits 0 when the target is alive.
	StatusCommand string

	// RestartCommand, if set, runs after a failed post-test check.
	RestartCommand string

	// KnownHostsFile persists trusted host keys. Empty accepts any key.
	KnownHostsFile string

	// DialTimeout bounds connect plus handshake.
	DialTimeout time.Duration

	// RetryInterval is the pause between pre-test liveness attempts.
	RetryInterval time.Duration

	// MaxWait caps how long PreTest waits for the target. Zero waits forever.
	MaxWait time.Duration

	// IdleInterval is the sleep of the background monitor function.
	IdleInterval time.Duration
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.IdleInterval == 0 {
		c.IdleInterval = DefaultIdleInterval
	}
}

// Validate checks required fields and command syntax.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if err := validateCommand("statusCommand", c.StatusCommand, true); err != nil {
		return err
	}
	if err := validateCommand("restartCommand", c.RestartCommand, false); err != nil {
		return err
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("dialTimeout must not be negative, got %v", c.DialTimeout)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("retryInterval must not be negative, got %v", c.RetryInterval)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("maxWait must not be negative, got %v", c.MaxWait)
	}
	return nil
}

// validateCommand rejects empty required commands and commands with
// unbalanced quoting or a trailing escape.
func validateCommand(field, command string, required bool) error {
	if strings.TrimSpace(command) == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	words, err := shellquote.Split(command)
	if err != nil {
		return fmt.Errorf("%s %q is not a well-formed shell command: %w", field, command, err)
	}
	if len(words) == 0 {
		return fmt.Errorf("%s %q contains no command", field, command)
	}
	return nil
}

// ParseConfig builds a Config from a generic monitor configuration and
// resolves the password. Defaults are applied but the result is not
// validated.
func ParseConfig(mc types.MonitorConfig) (*Config, error) {
	m := mc.Config
	cfg := &Config{}

	var err error
	if cfg.Hostname, err = getString(m, "hostname"); err != nil {
		return nil, err
	}
	if cfg.Port, err = getInt(m, "port"); err != nil {
		return nil, err
	}
	if cfg.Username, err = getString(m, "username"); err != nil {
		return nil, err
	}
	if cfg.StatusCommand, err = getString(m, "statusCommand"); err != nil {
		return nil, err
	}
	if cfg.RestartCommand, err = getString(m, "restartCommand"); err != nil {
		return nil, err
	}
	if cfg.KnownHostsFile, err = getString(m, "knownHostsFile"); err != nil {
		return nil, err
	}
	if cfg.DialTimeout, err = getDuration(m, "dialTimeout"); err != nil {
		return nil, err
	}
	if cfg.RetryInterval, err = getDuration(m, "retryInterval"); err != nil {
		return nil, err
	}
	if cfg.MaxWait, err = getDuration(m, "maxWait"); err != nil {
		return nil, err
	}

	src, err := parsePasswordSource(m)
	if err != nil {
		return nil, err
	}
	if cfg.Password, err = credentials.Resolve(src); err != nil {
		return nil, fmt.Errorf("resolve password: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func parsePasswordSource(m map[string]interface{}) (credentials.Source, error) {
	var src credentials.Source
	var err error

	if src.Password, err = getString(m, "password"); err != nil {
		return src, err
	}
	if src.PasswordEnv, err = getString(m, "passwordEnv"); err != nil {
		return src, err
	}

	raw, exists := m["passwordKeyring"]
	if !exists || raw == nil {
		return src, nil
	}
	ref, ok := toStringMap(raw)
	if !ok {
		return src, fmt.Errorf("passwordKeyring must be a map, got %T", raw)
	}
	service, err := getString(ref, "service")
	if err != nil {
		return src, fmt.Errorf("passwordKeyring: %w", err)
	}
	user, err := getString(ref, "user")
	if err != nil {
		return src, fmt.Errorf("passwordKeyring: %w", err)
	}
	src.Keyring = &credentials.KeyringRef{Service: service, User: user}
	return src, nil
}

// ValidateMonitorConfig is the registry validator for the SSH monitor. It
// checks everything except the password, which may live in a keyring that
// is only consulted at creation time.
func ValidateMonitorConfig(mc types.MonitorConfig) error {
	if mc.Name == "" {
		return fmt.Errorf("monitor name is required")
	}
	if mc.Type != MonitorType {
		return fmt.Errorf("invalid monitor type %q for ssh monitor", mc.Type)
	}

	stripped := types.MonitorConfig{Name: mc.Name, Type: mc.Type, Config: make(map[string]interface{}, len(mc.Config))}
	for k, v := range mc.Config {
		switch k {
		case "password", "passwordEnv", "passwordKeyring":
			continue
		}
		stripped.Config[k] = v
	}
	if _, err := parsePasswordSource(mc.Config); err != nil {
		return err
	}

	cfg, err := ParseConfig(stripped)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func getString(m map[string]interface{}, key string) (string, error) {
	val, exists := m[key]
	if !exists || val == nil {
		return "", nil
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, val)
	}
	return str, nil
}

// getInt accepts the numeric types produced by the YAML, JSON and TOML
// decoders, plus numeric strings produced by env substitution.
func getInt(m map[string]interface{}, key string) (int, error) {
	val, exists := m[key]
	if !exists || val == nil {
		return 0, nil
	}
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", key, val)
	}
}

func getDuration(m map[string]interface{}, key string) (time.Duration, error) {
	str, err := getString(m, key)
	if err != nil || str == "" {
		return 0, err
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, str, err)
	}
	return d, nil
}

func toStringMap(val interface{}) (map[string]interface{}, bool) {
	switch v := val.(type) {
	case map[string]interface{}:
		return v, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			if s, ok := k.(string); ok {
				out[s] = item
			}
		}
		return out, true
	default:
		return nil, false
	}
}
