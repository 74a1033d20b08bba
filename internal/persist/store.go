// Package persist keeps the mock sandbox API's command history on disk.
package persist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/sandboxwatch/internal/codec"
	"pkt.systems/sandboxwatch/schema"
)

// Store persists per-sandbox command records to disk.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads the cached records of a sandbox. A missing cache is not an error.
func (s *Store) Load(sandboxID schema.SandboxID) ([]schema.CommandRecord, bool, error) {
	path := s.pathFor(sandboxID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("state load miss", "sandbox", sandboxID)
			return nil, false, nil
		}
		s.warn("state load failed", "sandbox", sandboxID, "err", err)
		return nil, false, err
	}
	records, skipped, err := codec.DecodeSnapshot(data)
	if err != nil {
		s.warn("state load failed", "sandbox", sandboxID, "err", err)
		return nil, false, err
	}
	s.debug("state load ok", "sandbox", sandboxID, "commands", len(records), "skipped", skipped)
	return records, true, nil
}

// Save atomically replaces the cached records of a sandbox.
func (s *Store) Save(sandboxID schema.SandboxID, records []schema.CommandRecord) error {
	path := s.pathFor(sandboxID)
	err := s.write(path, records)
	if err != nil {
		s.warn("state save failed", "sandbox", sandboxID, "err", err)
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "sandbox", sandboxID, "commands", len(records))
	}
	return nil
}

func (s *Store) write(path string, records []schema.CommandRecord) error {
	data, err := codec.EncodeSnapshot(records)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}

func (s *Store) pathFor(sandboxID schema.SandboxID) string {
	name := sanitize(string(sandboxID))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
