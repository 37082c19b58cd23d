// Package filestore persists calibration profiles as one JSON file per
// profile, optionally zstd-compressed.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/alignify/alignify/pkg/calibration"
)

const (
	extJSON = ".json"
	extZstd = ".json.zst"
)

// Store writes <dir>/<profile>.json or <dir>/<profile>.json.zst. Reads accept
// either form regardless of Compress.
type Store struct {
	dir      string
	compress bool

	mu sync.Mutex
}

func New(dir string, compress bool) *Store {
	return &Store{dir: dir, compress: compress}
}

func (s *Store) Save(ctx context.Context, profile string, refs map[string]calibration.Reference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := profileFileName(profile)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(name, refs)
}

func (s *Store) writeLocked(name string, refs map[string]calibration.Reference) error {
	data, err := calibration.Marshal(refs)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", calibration.ErrPersistence, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %w", calibration.ErrPersistence, err)
	}

	ext, stale := extJSON, extZstd
	if s.compress {
		ext, stale = extZstd, extJSON
	}
	dest := filepath.Join(s.dir, name+ext)

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", calibration.ErrPersistence, err)
	}
	defer os.Remove(tmp.Name())

	if err := writePayload(tmp, data, s.compress); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %w", calibration.ErrPersistence, dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp: %w", calibration.ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("%w: rename: %w", calibration.ErrPersistence, err)
	}
	_ = os.Remove(filepath.Join(s.dir, name+stale))
	return nil
}

func writePayload(w io.Writer, data []byte, compress bool) error {
	if !compress {
		_, err := w.Write(data)
		return err
	}
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := io.Copy(encoder, bytes.NewReader(data)); err != nil {
		encoder.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("finalize compression: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, profile string) (map[string]calibration.Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := profileFileName(profile)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(name)
}

func (s *Store) readLocked(name string) (map[string]calibration.Reference, error) {
	for _, ext := range []string{extZstd, extJSON} {
		path := filepath.Join(s.dir, name+ext)
		data, err := readPayload(path, ext == extZstd)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", calibration.ErrPersistence, path, err)
		}
		refs, err := calibration.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", calibration.ErrPersistence, path, err)
		}
		return refs, nil
	}
	return nil, fmt.Errorf("profile %q: %w", name, calibration.ErrNotFound)
}

func readPayload(path string, compressed bool) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if !compressed {
		return io.ReadAll(f)
	}
	decoder, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()
	return io.ReadAll(decoder)
}

// Delete removes a single pose from a profile. Removing the last pose removes
// the profile file.
func (s *Store) Delete(ctx context.Context, profile, poseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := profileFileName(profile)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := s.readLocked(name)
	if err != nil {
		return err
	}
	if _, ok := refs[poseID]; !ok {
		return fmt.Errorf("pose %q in profile %q: %w", poseID, name, calibration.ErrNotFound)
	}
	delete(refs, poseID)
	if len(refs) > 0 {
		return s.writeLocked(name, refs)
	}
	for _, ext := range []string{extJSON, extZstd} {
		if err := os.Remove(filepath.Join(s.dir, name+ext)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: remove: %w", calibration.ErrPersistence, err)
		}
	}
	return nil
}

func (s *Store) Profiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", calibration.ErrPersistence, s.dir, err)
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		switch n := e.Name(); {
		case strings.HasSuffix(n, extZstd):
			seen[strings.TrimSuffix(n, extZstd)] = struct{}{}
		case strings.HasSuffix(n, extJSON):
			seen[strings.TrimSuffix(n, extJSON)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func profileFileName(profile string) (string, error) {
	return calibration.CheckProfile(profile)
}
