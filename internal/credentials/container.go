// Package credentials resolves backend usernames and passwords.
//
// Credentials come from an encrypted container file, from the environment or
// from an interactive prompt, in that order.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
	"gopkg.in/yaml.v3"
)

var (
	// ErrWrongPassword means the container password does not open the container.
	ErrWrongPassword = errors.New("wrong container password")

	// ErrNoCredentials means no source could provide credentials.
	ErrNoCredentials = errors.New("no credentials available")
)

// scrypt cost parameters; N is a variable so tests can lower it.
var scryptN = 1 << 15

const (
	scryptR   = 8
	scryptP   = 1
	keyLength = 32
	saltSize  = 16
	nonceSize = 24

	// checkPlaintext is sealed into every container to detect wrong passwords.
	checkPlaintext = "katprep"
)

// Credential is a username/password pair for one backend.
type Credential struct {
	Username string
	Password string
}

type containerFile struct {
	Salt    string                    `yaml:"salt"`
	Check   string                    `yaml:"check"`
	Entries map[string]containerEntry `yaml:"entries"`
}

type containerEntry struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Container holds credentials keyed by backend address. Usernames are stored
// in clear text, passwords are sealed with NaCl secretbox under a key derived
// from the container password with scrypt.
type Container struct {
	salt    []byte
	key     [keyLength]byte
	entries map[string]containerEntry
}

// NewContainer creates an empty container protected by password.
func NewContainer(password string) (*Container, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	c := &Container{salt: salt, entries: make(map[string]containerEntry)}
	if err := c.deriveKey(password); err != nil {
		return nil, err
	}
	return c, nil
}

// OpenContainer reads and unlocks the container at path.
func OpenContainer(path, password string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential container: %w", err)
	}

	var file containerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credential container %s: %w", path, err)
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil || len(salt) != saltSize {
		return nil, fmt.Errorf("credential container %s has an invalid salt", path)
	}

	c := &Container{salt: salt, entries: file.Entries}
	if c.entries == nil {
		c.entries = make(map[string]containerEntry)
	}
	if err := c.deriveKey(password); err != nil {
		return nil, err
	}

	check, err := c.open(file.Check)
	if err != nil || check != checkPlaintext {
		return nil, ErrWrongPassword
	}
	return c, nil
}

func (c *Container) deriveKey(password string) error {
	key, err := scrypt.Key([]byte(password), c.salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return fmt.Errorf("failed to derive container key: %w", err)
	}
	copy(c.key[:], key)
	return nil
}

func (c *Container) seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Container) open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrWrongPassword
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrWrongPassword
	}
	return string(plain), nil
}

// Get returns the credentials stored for address.
func (c *Container) Get(address string) (Credential, bool, error) {
	entry, ok := c.entries[address]
	if !ok {
		return Credential{}, false, nil
	}
	password, err := c.open(entry.Password)
	if err != nil {
		return Credential{}, false, fmt.Errorf("failed to decrypt password for %s: %w", address, err)
	}
	return Credential{Username: entry.Username, Password: password}, true, nil
}

// Set stores credentials for address, replacing existing ones.
func (c *Container) Set(address string, cred Credential) error {
	sealed, err := c.seal(cred.Password)
	if err != nil {
		return err
	}
	c.entries[address] = containerEntry{Username: cred.Username, Password: sealed}
	return nil
}

// Remove deletes the entry for address and reports whether it existed.
func (c *Container) Remove(address string) bool {
	_, ok := c.entries[address]
	delete(c.entries, address)
	return ok
}

// Addresses lists the stored backend addresses, sorted.
func (c *Container) Addresses() []string {
	out := make([]string, 0, len(c.entries))
	for addr := range c.entries {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Save writes the container to path with owner-only permissions.
func (c *Container) Save(path string) error {
	check, err := c.seal(checkPlaintext)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(containerFile{
		Salt:    base64.StdEncoding.EncodeToString(c.salt),
		Check:   check,
		Entries: c.entries,
	})
	if err != nil {
		return fmt.Errorf("failed to encode credential container: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create container directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credential container: %w", err)
	}
	return os.Rename(tmp, path)
}
