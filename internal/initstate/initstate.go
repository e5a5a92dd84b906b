package initstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	foliosync "github.com/openmined/foliosync/internal/sync"
	"github.com/openmined/foliosync/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	stateFile = "init.yaml"
	lockFile  = "init.lock"

	lockRetryDelay = 100 * time.Millisecond
)

type zoneState struct {
	Created   bool      `yaml:"created"`
	CreatedAt time.Time `yaml:"createdAt,omitempty"`
}

type stateYAML struct {
	Zones map[string]zoneState `yaml:"zones"`
}

// FileState keeps the first-run flags in a yaml file under dir. The file lock
// serializes zone creation between processes sharing dir.
type FileState struct {
	path  string
	mu    sync.Mutex
	flock *flock.Flock
}

func New(dir string) (*FileState, error) {
	root, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", dir, err)
	}
	return &FileState{
		path:  filepath.Join(root, stateFile),
		flock: flock.New(filepath.Join(root, lockFile)),
	}, nil
}

// Path returns the state file path.
func (s *FileState) Path() string {
	return s.path
}

func (s *FileState) ZoneCreated(zone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return false, err
	}
	return state.Zones[zone].Created, nil
}

func (s *FileState) SetZoneCreated(zone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	state.Zones[zone] = zoneState{Created: true, CreatedAt: time.Now().UTC()}
	return s.save(state)
}

// Lock takes the inter-process init lock, retrying until ctx is done.
func (s *FileState) Lock(ctx context.Context) (func() error, error) {
	if err := utils.EnsureParent(s.flock.Path()); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", s.flock.Path(), err)
	}

	locked, err := s.flock.TryLockContext(ctx, lockRetryDelay)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || (err == nil && !locked) {
		return nil, foliosync.ErrInitLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take init lock: %w", err)
	}

	return s.flock.Unlock, nil
}

func (s *FileState) load() (*stateYAML, error) {
	state := &stateYAML{Zones: make(map[string]zoneState)}

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(state); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if state.Zones == nil {
		state.Zones = make(map[string]zoneState)
	}
	return state, nil
}

func (s *FileState) save(state *stateYAML) error {
	if err := utils.EnsureParent(s.path); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", s.path, err)
	}

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal init state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
