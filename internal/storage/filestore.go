// Package storage maintains the JSON file mirror under the storage
// directory. The mirror is an operator-visible backup and a cold-restart
// source when the database is absent; at runtime the database wins.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Well-known mirror file names.
const (
	FileLivePositions          = "livePositions.json"
	FileTrades                 = "trades.json"
	FileBacktestCombinations   = "backtestCombinations.json"
	FileWalletSummaries        = "walletSummaries.json"
	FileCentralWalletStates    = "centralWalletStates.json"
	FileScanSettings           = "scanSettings.json"
	FileHistoricalPerformances = "historicalPerformances.json"
	FileStrategies             = "strategies.json"
	FileMarketAlerts           = "marketAlerts.json"
	FileScannerStats           = "scannerStats.json"
)

// FileStore serializes collections to JSON array files. Each file gets its
// own lock; the single-process assumption makes that sufficient.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) lock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[name]; !ok {
		s.locks[name] = &sync.Mutex{}
	}
	return s.locks[name]
}

// Write replaces a mirror file with the JSON encoding of v. The previous
// version is copied to <file>.backup first. v must marshal to a JSON array;
// anything else is coerced (object wraps to a one-element array, scalars
// become an empty array).
func (s *FileStore) Write(name string, v interface{}) error {
	lock := s.lock(name)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	data = coerceArray(data)

	path := filepath.Join(s.dir, name)
	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".backup", prev, 0o644); err != nil {
			s.logger.Warn().Str("file", name).Err(err).Msg("failed to write backup")
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Read loads a mirror file into out, applying array coercion. A missing
// file reads as an empty array.
func (s *FileStore) Read(name string, out interface{}) error {
	lock := s.lock(name)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return json.Unmarshal([]byte("[]"), out)
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	if err := json.Unmarshal(coerceArray(data), out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a mirror file is present on disk.
func (s *FileStore) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

// coerceArray guarantees the payload is a JSON array: objects wrap into a
// single-element array, scalars and garbage collapse to an empty one.
func coerceArray(data []byte) []byte {
	var probe interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return []byte("[]")
	}
	switch probe.(type) {
	case []interface{}:
		return data
	case map[string]interface{}:
		wrapped := make([]byte, 0, len(data)+2)
		wrapped = append(wrapped, '[')
		wrapped = append(wrapped, data...)
		wrapped = append(wrapped, ']')
		return wrapped
	default:
		return []byte("[]")
	}
}
