package cli

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"

	"github.com/dartworks/mesh-command/internal/authentication"
)

const (
	keyringServiceName = "com.dartworks.mesh"
	keyringKeyService  = "meshProvisionerKey"
	keyringDirectory   = "~/.mesh_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}

	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		}
		w = os.Stderr
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	password := string(b)
	c.password = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	return keyring.Open(c.Backend)
}

func (c *Config) fullKeyName() string {
	return keyringKeyService + "." + c.KeyringKeyName
}

// LoadKeyFromKeyring reads a private key from the system keyring.
//
// The provided name is an arbitrary string that identifies the key.
func (c *Config) LoadKeyFromKeyring() (authentication.ECDHPrivateKey, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return nil, err
	}
	item, err := kr.Get(c.fullKeyName())
	if err != nil {
		return nil, fmt.Errorf("could not load key: %s", err)
	}
	key := authentication.UnmarshalECDHPrivateKey(item.Data)
	if key == nil {
		return nil, fmt.Errorf("invalid private key")
	}
	return key, nil
}

// saveKeyToKeyring writes a private key to the system keyring.
func (c *Config) saveKeyToKeyring(key authentication.ECDHPrivateKey) error {
	nativeKey, ok := key.(*authentication.NativeECDHKey)
	if !ok {
		return fmt.Errorf("key is not exportable")
	}

	kr, err := c.openKeyring()
	if err != nil {
		return err
	}

	scalar := make([]byte, 32)
	if (nativeKey.D.BitLen()+7)/8 > len(scalar) {
		return fmt.Errorf("invalid private key")
	}

	if err := kr.Set(keyring.Item{
		Key:  c.fullKeyName(),
		Data: nativeKey.D.FillBytes(scalar),
	}); err != nil {
		return fmt.Errorf("failed to enroll key in keyring: %s", err)
	}
	return nil
}

// DeletePrivateKey removes the private key from the system keyring.
func (c *Config) DeletePrivateKey() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.fullKeyName())
}

// savePrivateKeyFile writes key to filename as a PEM-encoded EC private key.
func savePrivateKeyFile(key authentication.ECDHPrivateKey, filename string) error {
	nativeKey, ok := key.(*authentication.NativeECDHKey)
	if !ok {
		return fmt.Errorf("key is not exportable")
	}
	der, err := x509.MarshalECPrivateKey(nativeKey.PrivateKey)
	if err != nil {
		return err
	}
	block := pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	return os.WriteFile(filename, pem.EncodeToMemory(&block), 0600)
}
