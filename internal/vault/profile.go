package vault

import (
	"fmt"
	"strings"
	"time"
)

// AuthMethod identifies how a host authenticates. The set is closed:
// credential handling is security-sensitive, so unknown methods are rejected
// at validation time rather than dispatched dynamically.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private-key"
)

// Credential holds the authentication material for one host. Exactly one
// variant is populated, selected by Method.
type Credential struct {
	Method AuthMethod `json:"method"`

	// Password is the SSH password (Method == AuthPassword).
	Password string `json:"password,omitempty"`

	// PrivateKeyPEM is the PEM-encoded private key (Method == AuthPrivateKey).
	PrivateKeyPEM string `json:"private_key_pem,omitempty"`
	// KeyPassphrase decrypts PrivateKeyPEM if it is encrypted.
	KeyPassphrase string `json:"key_passphrase,omitempty"`
}

// Validate checks that the credential names a supported method and carries
// the material that method requires.
func (c Credential) Validate() error {
	switch c.Method {
	case AuthPassword:
		if c.Password == "" {
			return fmt.Errorf("credential: password method requires a password")
		}
	case AuthPrivateKey:
		if c.PrivateKeyPEM == "" {
			return fmt.Errorf("credential: private-key method requires a key")
		}
	default:
		return fmt.Errorf("credential: unsupported auth method %q", c.Method)
	}
	return nil
}

// HostProfile describes one remote host. The profile is stored encrypted as
// a whole; nothing in it reaches disk in clear text.
//
// ID is a UUID assigned on first Put and never changes, so sessions keyed by
// it survive profile renames. Name is the operator-chosen identifier and is
// unique within a vault.
type HostProfile struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Username    string     `json:"username"`
	Credential  Credential `json:"credential"`
	Group       string     `json:"group,omitempty"`
	Description string     `json:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// normalize fills defaults the way the original tool does: the name falls
// back to the host, the port to 22, the group to "default".
func (p *HostProfile) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = p.Host
	}
	if p.Port == 0 {
		p.Port = 22
	}
	if p.Group == "" {
		p.Group = "default"
	}
}

func (p *HostProfile) validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("profile: host is required")
	}
	if strings.TrimSpace(p.Username) == "" {
		return fmt.Errorf("profile: username is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("profile: invalid port %d", p.Port)
	}
	return p.Credential.Validate()
}

// String renders the profile for display without secret material.
func (p HostProfile) String() string {
	return fmt.Sprintf("%s (%s@%s:%d)", p.Name, p.Username, p.Host, p.Port)
}
