package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/fit"
)

// sweepFile is the on-disk layout of one sweep.
type sweepFile struct {
	Sweep   Sweep        `json:"sweep"`
	Results []fit.Result `json:"results"`
}

// FileStore keeps one JSON document per sweep in a directory. Every write
// rewrites the document through a temporary file and a rename.
type FileStore struct {
	dir string

	mu     sync.RWMutex
	sweeps map[string]*sweepFile
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens dir, creating it if needed, and loads the sweeps it
// already holds.
func NewFileStore(dir string) (*FileStore, error) {
	const op = "store.NewFileStore"

	if dir == "" {
		return nil, errors.Precondition(op, "results directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, op, "creating %s", dir)
	}

	s := &FileStore{dir: dir, sweeps: make(map[string]*sweepFile)}
	if err := s.load(); err != nil {
		return nil, errors.Wrap(err, op)
	}
	return s, nil
}

func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return err
		}
		var sf sweepFile
		if err := json.Unmarshal(data, &sf); err != nil {
			return errors.Wrapf(err, "store.FileStore.load", "decoding %s", e.Name())
		}
		if sf.Sweep.ID == "" {
			continue
		}
		s.sweeps[sf.Sweep.ID] = &sf
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// save writes the sweep document. Callers hold s.mu.
func (s *FileStore) save(sf *sweepFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+sf.Sweep.ID+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(sf.Sweep.ID))
}

// CreateSweep implements Store.
func (s *FileStore) CreateSweep(_ context.Context, sw Sweep) error {
	const op = "store.FileStore.CreateSweep"

	if err := validID(op, sw.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sweeps[sw.ID]; ok {
		return errors.Precondition(op, "sweep %s already exists", sw.ID)
	}
	sf := &sweepFile{Sweep: sw, Results: []fit.Result{}}
	if err := s.save(sf); err != nil {
		return errors.Wrap(err, op)
	}
	s.sweeps[sw.ID] = sf
	return nil
}

// GetSweep implements Store.
func (s *FileStore) GetSweep(_ context.Context, id string) (*Sweep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sf, ok := s.sweeps[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "store.FileStore.GetSweep", "sweep %s", id)
	}
	sw := sf.Sweep
	return &sw, nil
}

// ListSweeps implements Store.
func (s *FileStore) ListSweeps(_ context.Context) ([]Sweep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Sweep, 0, len(s.sweeps))
	for _, sf := range s.sweeps {
		out = append(out, sf.Sweep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// AppendResult implements Store.
func (s *FileStore) AppendResult(_ context.Context, sweepID string, r fit.Result) error {
	const op = "store.FileStore.AppendResult"

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, ok := s.sweeps[sweepID]
	if !ok {
		return errors.Wrapf(ErrNotFound, op, "sweep %s", sweepID)
	}

	replaced := false
	for i := range sf.Results {
		if sf.Results[i].Run == r.Run {
			sf.Results[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		sf.Results = append(sf.Results, r)
	}
	if err := s.save(sf); err != nil {
		return errors.Wrapf(err, op, "persisting run %d", r.Run)
	}
	return nil
}

// Results implements Store.
func (s *FileStore) Results(_ context.Context, sweepID string) ([]fit.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sf, ok := s.sweeps[sweepID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "store.FileStore.Results", "sweep %s", sweepID)
	}
	out := append([]fit.Result(nil), sf.Results...)
	sort.Slice(out, func(i, j int) bool { return out[i].Run < out[j].Run })
	return out, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

// validID rejects IDs that would escape the store directory.
func validID(op, id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return errors.Precondition(op, "invalid sweep id %q", id)
	}
	return nil
}
