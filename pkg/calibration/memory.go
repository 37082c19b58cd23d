package calibration

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// CheckProfile trims profile and rejects names that are empty or could be
// read as a path.
func CheckProfile(profile string) (string, error) {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return "", fmt.Errorf("%w: profile is required", ErrInvalidProfile)
	}
	if profile != filepath.Base(profile) || strings.ContainsAny(profile, `/\`) || strings.HasPrefix(profile, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}
	return profile, nil
}

// MemoryRepository keeps profiles in process memory. It is the default
// backend when nothing durable is configured.
type MemoryRepository struct {
	mu       sync.Mutex
	profiles map[string]map[string]Reference
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{profiles: make(map[string]map[string]Reference)}
}

func (m *MemoryRepository) Save(ctx context.Context, profile string, refs map[string]Reference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	profile, err := CheckProfile(profile)
	if err != nil {
		return err
	}
	next := make(map[string]Reference, len(refs))
	for id, ref := range refs {
		ref = ref.clone()
		ref.PoseID = id
		next[id] = ref
	}
	m.mu.Lock()
	m.profiles[profile] = next
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) Load(ctx context.Context, profile string) (map[string]Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.profiles[strings.TrimSpace(profile)]
	if !ok || len(stored) == 0 {
		return nil, fmt.Errorf("profile %q: %w", profile, ErrNotFound)
	}
	out := make(map[string]Reference, len(stored))
	for id, ref := range stored {
		out[id] = ref.clone()
	}
	return out, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, profile, poseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	profile = strings.TrimSpace(profile)
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.profiles[profile]
	if _, ok := stored[poseID]; !ok {
		return fmt.Errorf("pose %q in profile %q: %w", poseID, profile, ErrNotFound)
	}
	delete(stored, poseID)
	if len(stored) == 0 {
		delete(m.profiles, profile)
	}
	return nil
}

func (m *MemoryRepository) Profiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.profiles))
	for name := range m.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
