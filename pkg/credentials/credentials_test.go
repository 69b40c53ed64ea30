package credentials

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestResolve(t *testing.T) {
	keyring.MockInit()
	if err := Store(KeyringRef{User: "root@dut"}, "from-keyring"); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	t.Setenv("DUT_PASSWORD", "from-env")

	tests := []struct {
		name    string
		src     Source
		want    string
		wantErr error
	}{
		{name: "nothing configured", src: Source{}, want: ""},
		{name: "literal wins", src: Source{Password: "literal", PasswordEnv: "DUT_PASSWORD"}, want: "literal"},
		{name: "env", src: Source{PasswordEnv: "DUT_PASSWORD"}, want: "from-env"},
		{name: "missing env", src: Source{PasswordEnv: "NOT_SET_ANYWHERE"}, wantErr: ErrNoPassword},
		{
			name: "missing env falls back to keyring",
			src:  Source{PasswordEnv: "NOT_SET_ANYWHERE", Keyring: &KeyringRef{User: "root@dut"}},
			want: "from-keyring",
		},
		{name: "keyring default service", src: Source{Keyring: &KeyringRef{User: "root@dut"}}, want: "from-keyring"},
		{name: "keyring missing entry", src: Source{Keyring: &KeyringRef{Service: "other", User: "root@dut"}}, wantErr: ErrNoPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.src)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyringUserRequired(t *testing.T) {
	keyring.MockInit()
	if _, err := Resolve(Source{Keyring: &KeyringRef{}}); err == nil {
		t.Error("Expected error for keyring ref without user")
	}
	if err := Store(KeyringRef{}, "x"); err == nil {
		t.Error("Expected error storing without user")
	}
}

func TestIsEmpty(t *testing.T) {
	if !(Source{}).IsEmpty() {
		t.Error("Zero source should be empty")
	}
	if (Source{PasswordEnv: "X"}).IsEmpty() {
		t.Error("Source with env should not be empty")
	}
}
