package evidence

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
)

// ErrNotFound is returned for an address with no stored bundle.
var ErrNotFound = errors.New("evidence not found")

const addressPrefix = "sha256:"

// Sink is a content-addressed, write-once store for encoded bundles. There
// is no delete: exported evidence is retained.
type Sink interface {
	// Put stores data and returns its address, "sha256:<hex>". Storing the
	// same data twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
	Exists(ctx context.Context, address string) (bool, error)
}

// Address returns the content address of data.
func Address(data []byte) string {
	return addressPrefix + canonicalize.HashBytes(data)
}

// parseAddress returns the hex digest of address.
func parseAddress(address string) (string, error) {
	raw, ok := strings.CutPrefix(address, addressPrefix)
	if !ok {
		return "", fmt.Errorf("invalid address format: %s", address)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", fmt.Errorf("invalid address digest: %s", address)
	}
	return raw, nil
}

func objectName(prefix, digest string) string {
	return prefix + digest + ".json"
}

// FileSink stores bundles as files under a directory.
type FileSink struct {
	dir string
	mu  sync.RWMutex
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	//nolint:gosec // G301: evidence directory is shared with reviewers
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure evidence dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := Address(data)
	digest, _ := parseAddress(address)
	path := filepath.Join(s.dir, objectName("", digest))

	if _, err := os.Stat(path); err == nil {
		return address, nil
	}

	// Write to temp, then rename
	tmp := path + ".tmp"
	//nolint:gosec // G306: bundles are public evidence
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit bundle: %w", err)
	}
	return address, nil
}

func (s *FileSink) Get(_ context.Context, address string) ([]byte, error) {
	digest, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, objectName("", digest))) //nolint:gosec // digest validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileSink) Exists(_ context.Context, address string) (bool, error) {
	digest, err := parseAddress(address)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.dir, objectName("", digest)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Path returns the file holding address.
func (s *FileSink) Path(address string) (string, error) {
	digest, err := parseAddress(address)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, objectName("", digest)), nil
}
