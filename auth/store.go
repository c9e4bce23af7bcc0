package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when the token file is readable by group or others.
var ErrInsecurePermissions = fmt.Errorf("token file has insecure permissions")

// FileStore persists tokens per server URL in a TOML file:
//
//	["https://example.com/sse"]
//	access_token = "..."
//	refresh_token = "..."
type FileStore struct {
	Path string

	mu sync.Mutex
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// DefaultTokenPath returns ~/.config/mcpwire/tokens.toml.
func DefaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tokens.toml"
	}
	return filepath.Join(home, ".config", "mcpwire", "tokens.toml")
}

// Load returns the tokens stored for key, or nil if there are none.
func (s *FileStore) Load(key string) (*Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	return all[key], nil
}

// Save stores tokens for key, replacing any previous entry.
func (s *FileStore) Save(key string, tokens *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	all[key] = tokens

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(all)
}

func (s *FileStore) readAll() (map[string]*Tokens, error) {
	all := make(map[string]*Tokens)

	info, err := os.Stat(s.Path)
	if os.IsNotExist(err) {
		return all, nil
	}
	if err != nil {
		return nil, err
	}

	// Check file permissions (Unix only)
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must not be group/other accessible)",
				ErrInsecurePermissions, s.Path, mode)
		}
	}

	if _, err := toml.DecodeFile(s.Path, &all); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return all, nil
}
