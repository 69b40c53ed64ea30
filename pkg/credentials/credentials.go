// Package credentials resolves the SSH password of a monitored target from
// the configuration, the environment, or the operating system keyring.
package credentials

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is used when a keyring reference omits the service.
const DefaultKeyringService = "ssh-monitor"

// ErrNoPassword is returned when no source yields a password.
var ErrNoPassword = errors.New("no password configured")

// KeyringRef points at a secret stored in the OS keyring.
type KeyringRef struct {
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	User    string `json:"user" yaml:"user"`
}

// Source lists where a password may come from. The first non-empty source
// wins: Password, then PasswordEnv, then Keyring.
type Source struct {
	Password    string
	PasswordEnv string
	Keyring     *KeyringRef
}

// IsEmpty reports whether no source is configured.
func (s Source) IsEmpty() bool {
	return s.Password == "" && s.PasswordEnv == "" && s.Keyring == nil
}

// Resolve returns the password from the first configured source.
// An empty password is allowed only when nothing at all is configured.
func Resolve(src Source) (string, error) {
	if src.Password != "" {
		return src.Password, nil
	}

	if src.PasswordEnv != "" {
		if v, ok := os.LookupEnv(src.PasswordEnv); ok && v != "" {
			return v, nil
		}
		if src.Keyring == nil {
			return "", fmt.Errorf("%w: environment variable %s is not set", ErrNoPassword, src.PasswordEnv)
		}
	}

	if src.Keyring != nil {
		return fromKeyring(*src.Keyring)
	}

	return "", nil
}

func fromKeyring(ref KeyringRef) (string, error) {
	if ref.User == "" {
		return "", fmt.Errorf("keyring user is required")
	}
	service := ref.Service
	if service == "" {
		service = DefaultKeyringService
	}

	secret, err := keyring.Get(service, ref.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: keyring has no entry for %s/%s", ErrNoPassword, service, ref.User)
		}
		return "", fmt.Errorf("read keyring %s/%s: %w", service, ref.User, err)
	}
	return secret, nil
}

// Store saves password in the keyring under ref.
func Store(ref KeyringRef, password string) error {
	if ref.User == "" {
		return fmt.Errorf("keyring user is required")
	}
	service := ref.Service
	if service == "" {
		service = DefaultKeyringService
	}
	if err := keyring.Set(service, ref.User, password); err != nil {
		return fmt.Errorf("write keyring %s/%s: %w", service, ref.User, err)
	}
	return nil
}
