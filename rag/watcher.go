package rag

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Snapshot is the observed state of the engine's backing files.
type Snapshot struct {
	Path    string
	ModTime time.Time
	Secret  string
}

// Changed reports whether s differs from prev in a way that requires the
// engine to be rebuilt.
func (s Snapshot) Changed(prev Snapshot) bool {
	return s.Path != prev.Path || !s.ModTime.Equal(prev.ModTime) || s.Secret != prev.Secret
}

// ConfigWatcher reports the current config file and secret state. Session
// polls it before every query.
type ConfigWatcher interface {
	Observe() (Snapshot, error)
}

// FileWatcher observes a YAML config file and a dotenv secret file.
type FileWatcher struct {
	ConfigPath string
	// DefaultConfigPath is copied to ConfigPath when ConfigPath is missing.
	DefaultConfigPath string
	EnvPath           string
}

// Observe stats the config file and reads the secret. A missing dotenv file
// yields an empty secret.
func (w *FileWatcher) Observe() (Snapshot, error) {
	if err := EnsureConfig(w.ConfigPath, w.DefaultConfigPath); err != nil {
		return Snapshot{}, err
	}
	info, err := os.Stat(w.ConfigPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stat engine config: %w", err)
	}
	secret, err := ReadSecret(w.EnvPath)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: w.ConfigPath, ModTime: info.ModTime(), Secret: secret}, nil
}

// ReadSecret returns the API key from the dotenv file at path, or "" when
// the file does not exist.
func ReadSecret(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	env, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return env[SecretKey], nil
}

// EnsureConfig copies defaultPath to path when path does not exist. It is a
// no-op when path exists or defaultPath is empty.
func EnsureConfig(path, defaultPath string) error {
	if _, err := os.Stat(path); err == nil || defaultPath == "" {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat engine config: %w", err)
	}

	src, err := os.Open(defaultPath)
	if err != nil {
		return fmt.Errorf("open default engine config: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create engine config dir: %w", err)
	}
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create engine config: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy default engine config: %w", err)
	}
	return dst.Close()
}
