// Package tokenstore persists the signed-in session between runs.
package tokenstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/crypto"
)

var (
	ErrCorrupt  = errors.New("tokenstore: session file is corrupt")
	ErrWrongKey = errors.New("tokenstore: session file cannot be opened with this passphrase")
)

// Storage loads and saves the current session. Load returns nil, nil when
// nothing is stored.
type Storage interface {
	Load() (*authsession.Session, error)
	Save(s *authsession.Session) error
	Remove() error
}

// Memory keeps the session in process memory.
type Memory struct {
	mu      sync.Mutex
	session *authsession.Session
}

// NewMemory returns an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load() (*authsession.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	cp := *m.session
	return &cp, nil
}

func (m *Memory) Save(s *authsession.Session) error {
	if s == nil {
		return m.Remove()
	}
	cp := *s
	m.mu.Lock()
	m.session = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove() error {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	return nil
}

// File layout: magic | salt | sealed JSON.
var magic = []byte("MBS1")

// File stores the session encrypted on disk. Each save uses a fresh salt.
type File struct {
	path       string
	passphrase string
	mu         sync.Mutex
}

// NewFile returns a File storage at path, sealed with passphrase.
func NewFile(path, passphrase string) (*File, error) {
	if passphrase == "" {
		return nil, crypto.ErrEmptyPassphrase
	}
	return &File{path: path, passphrase: passphrase}, nil
}

// Path returns the session file location.
func (f *File) Path() string {
	return f.path
}

func (f *File) Load() (*authsession.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	if len(data) < len(magic)+crypto.SaltLen || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrCorrupt
	}
	salt := data[len(magic) : len(magic)+crypto.SaltLen]
	sealed := data[len(magic)+crypto.SaltLen:]

	enc, err := crypto.NewEncryptorFromPassphrase(f.passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := enc.Open(sealed, magic)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidCiphertext) {
			return nil, ErrCorrupt
		}
		return nil, ErrWrongKey
	}

	var s authsession.Session
	if err := json.Unmarshal(plain, &s); err != nil {
		return nil, ErrCorrupt
	}
	return &s, nil
}

func (f *File) Save(s *authsession.Session) error {
	if s == nil {
		return f.Remove()
	}

	plain, err := json.Marshal(s)
	if err != nil {
		return err
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	enc, err := crypto.NewEncryptorFromPassphrase(f.passphrase, salt)
	if err != nil {
		return err
	}
	sealed, err := enc.Seal(plain, magic)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(magic)+len(salt)+len(sealed))
	buf = append(buf, magic...)
	buf = append(buf, salt...)
	buf = append(buf, sealed...)

	f.mu.Lock()
	defer f.mu.Unlock()
	return writeAtomic(f.path, buf)
}

func (f *File) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
