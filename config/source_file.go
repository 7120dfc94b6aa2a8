package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// FileSource is a billsync YAML file watched for changes. Hash covers the raw
// bytes only, so an env-only change is picked up at the next restart.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource { return &FileSource{path: path} }

// Load reads, overlays BILLSYNC_* env vars and validates the file.
func (s *FileSource) Load() (*Config, error) { return Load(s.path) }

// Hash fingerprints the file contents.
func (s *FileSource) Hash() (string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("config: hash %s: %w", s.path, err)
	}
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:]), nil
}

func (s *FileSource) Path() string { return s.path }
