package monitors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/supporttools/ssh-monitor/pkg/types"
)

// Dependencies are the collaborators handed to every factory.
// Nil fields fall back to defaults inside the monitor.
type Dependencies struct {
	Logger   Logger
	Recorder Recorder
}

// MonitorFactory creates a monitor instance from its configuration.
type MonitorFactory func(ctx context.Context, config types.MonitorConfig, deps Dependencies) (types.Monitor, error)

// MonitorValidator validates a monitor configuration before creation.
type MonitorValidator func(config types.MonitorConfig) error

// MonitorInfo describes a registered monitor type.
type MonitorInfo struct {
	Type        string
	Factory     MonitorFactory
	Validator   MonitorValidator
	Description string
}

// Registry maps monitor type names to their factories. Implementations
// self-register via init() and are created by type name from configuration:
//
//	func init() {
//		monitors.MustRegister(monitors.MonitorInfo{
//			Type:        "ssh",
//			Factory:     NewSSHMonitorFromConfig,
//			Validator:   ValidateMonitorConfig,
//			Description: "Checks target liveness over SSH",
//		})
//	}
type Registry struct {
	mu       sync.RWMutex
	monitors map[string]*MonitorInfo
}

// DefaultRegistry is the process-wide registry used by the package-level
// helpers.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		monitors: make(map[string]*MonitorInfo),
	}
}

var (
	// ErrEmptyMonitorType is returned when registering a monitor with an empty type.
	ErrEmptyMonitorType = errors.New("monitor type cannot be empty")

	// ErrNilFactory is returned when registering a monitor with a nil factory.
	ErrNilFactory = errors.New("monitor factory cannot be nil")

	// ErrDuplicateMonitorType is returned when the type is already registered.
	ErrDuplicateMonitorType = errors.New("monitor type is already registered")

	// ErrUnknownMonitorType is returned when creating or validating an unregistered type.
	ErrUnknownMonitorType = errors.New("unknown monitor type")
)

// Register adds a monitor type to the registry.
func (r *Registry) Register(info MonitorInfo) error {
	if info.Type == "" {
		return ErrEmptyMonitorType
	}
	if info.Factory == nil {
		return fmt.Errorf("%w for type %q", ErrNilFactory, info.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.monitors[info.Type]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateMonitorType, info.Type)
	}

	infoCopy := info
	r.monitors[info.Type] = &infoCopy
	return nil
}

// MustRegister is Register that panics on error, for use in init().
func (r *Registry) MustRegister(info MonitorInfo) {
	if err := r.Register(info); err != nil {
		panic(fmt.Sprintf("monitor registration failed: %v", err))
	}
}

// GetRegisteredTypes returns the registered types in sorted order.
func (r *Registry) GetRegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.monitors))
	for monitorType := range r.monitors {
		out = append(out, monitorType)
	}
	sort.Strings(out)
	return out
}

// IsRegistered reports whether monitorType is registered.
func (r *Registry) IsRegistered(monitorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.monitors[monitorType]
	return exists
}

// GetMonitorInfo returns a copy of the registration for monitorType, or nil.
func (r *Registry) GetMonitorInfo(monitorType string) *MonitorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.monitors[monitorType]
	if !exists {
		return nil
	}
	infoCopy := *info
	return &infoCopy
}

// ValidateConfig runs the type-specific validator for config.
func (r *Registry) ValidateConfig(config types.MonitorConfig) error {
	if config.Type == "" {
		return fmt.Errorf("monitor type is required")
	}

	r.mu.RLock()
	info, exists := r.monitors[config.Type]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w %q, available types: %v",
			ErrUnknownMonitorType, config.Type, r.GetRegisteredTypes())
	}

	if info.Validator != nil {
		if err := info.Validator(config); err != nil {
			return fmt.Errorf("validation failed for monitor %q: %w", config.Name, err)
		}
	}
	return nil
}

// CreateMonitor validates config and calls the registered factory.
// A panicking factory is reported as an error.
func (r *Registry) CreateMonitor(ctx context.Context, config types.MonitorConfig, deps Dependencies) (types.Monitor, error) {
	if err := r.ValidateConfig(config); err != nil {
		return nil, err
	}

	r.mu.RLock()
	info := r.monitors[config.Type]
	r.mu.RUnlock()

	var monitor types.Monitor
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("monitor factory %q panicked: %v", config.Type, p)
			}
		}()
		monitor, err = info.Factory(ctx, config, deps)
	}()

	if err != nil {
		return nil, fmt.Errorf("failed to create monitor %q: %w", config.Name, err)
	}
	return monitor, nil
}

// CreateMonitorsFromConfigs creates every enabled monitor in configs.
// It stops at the first failure.
func (r *Registry) CreateMonitorsFromConfigs(ctx context.Context, configs []types.MonitorConfig, deps Dependencies) ([]types.Monitor, error) {
	monitors := make([]types.Monitor, 0, len(configs))
	for i, config := range configs {
		if !config.Enabled {
			continue
		}
		monitor, err := r.CreateMonitor(ctx, config, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create monitor %d (%s): %w", i, config.Name, err)
		}
		monitors = append(monitors, monitor)
	}
	return monitors, nil
}

// Register registers a monitor type with the default registry.
func Register(info MonitorInfo) error {
	return DefaultRegistry.Register(info)
}

// MustRegister registers a monitor type with the default registry and panics on error.
func MustRegister(info MonitorInfo) {
	DefaultRegistry.MustRegister(info)
}

// GetRegisteredTypes returns the types registered with the default registry.
func GetRegisteredTypes() []string {
	return DefaultRegistry.GetRegisteredTypes()
}

// CreateMonitor creates a monitor using the default registry.
func CreateMonitor(ctx context.Context, config types.MonitorConfig, deps Dependencies) (types.Monitor, error) {
	return DefaultRegistry.CreateMonitor(ctx, config, deps)
}
