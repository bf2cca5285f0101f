package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Session is a bearer token saved by 'procwatch login'.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Roles     []string  `json:"roles"`
	ServerURL string    `json:"server_url"`
}

func defaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".procwatch", "session.json")
}

type sessionStore struct {
	path string
}

func newSessionStore(path string) sessionStore {
	if path == "" {
		path = defaultSessionPath()
	}
	return sessionStore{path: path}
}

func (s sessionStore) Save(sess *Session) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Load returns nil without error when no usable session exists. An expired
// session is removed.
func (s sessionStore) Load() (*Session, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.Clear()
		return nil, nil
	}
	return &sess, nil
}

func (s sessionStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
