package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"mediaflow/internal/fileutil"
	"mediaflow/internal/stage"
)

var (
	ErrExists      = errors.New("artifact already exists")
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
)

// Ref identifies a committed artifact.
type Ref struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// Usage reports filesystem capacity of the artifact directory.
type Usage struct {
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// Store is a directory of immutable artifacts shared by the orchestrator and
// every Stage Service. Writers never expose partial files and never replace
// an existing artifact, so concurrent readers need no locking.
type Store struct {
	dir string
}

// Open prepares dir as an artifact store.
func Open(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("artifact directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return nil, fmt.Errorf("artifact directory %s is not writable: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string { return s.dir }

// Put commits r as the artifact of (taskID, stageName) with extension ext.
func (s *Store) Put(taskID string, stageName stage.Name, ext string, r io.Reader) (Ref, error) {
	name := Name(taskID, stageName, ext)
	if err := ValidateName(name); err != nil {
		return Ref{}, err
	}
	digest, err := fileutil.WriteExclusive(filepath.Join(s.dir, name), r, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Ref{}, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return Ref{}, fmt.Errorf("write artifact %s: %w", name, err)
	}
	return Ref{Name: name, Size: digest.Size, SHA256: digest.SHA256}, nil
}

// PutFile imports srcPath as the artifact of (taskID, stageName), keeping the
// source extension.
func (s *Store) PutFile(taskID string, stageName stage.Name, srcPath string) (Ref, error) {
	name := Name(taskID, stageName, stage.FormatOf(srcPath))
	if err := ValidateName(name); err != nil {
		return Ref{}, err
	}
	digest, err := fileutil.CopyFileVerified(srcPath, filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Ref{}, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return Ref{}, fmt.Errorf("import artifact %s: %w", name, err)
	}
	return Ref{Name: name, Size: digest.Size, SHA256: digest.SHA256}, nil
}

// Path resolves an artifact name to its absolute location.
func (s *Store) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Open opens a committed artifact for reading.
func (s *Store) Open(name string) (*os.File, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("open artifact %s: %w", name, err)
	}
	return f, nil
}

// Remove deletes an artifact. It is only meant for undoing a write whose
// task was never recorded; a missing artifact is not an error.
func (s *Store) Remove(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact %s: %w", name, err)
	}
	return nil
}

// ReadAll returns the full content of an artifact.
func (s *Store) ReadAll(name string) ([]byte, error) {
	f, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Stat returns the Ref of a committed artifact without hashing it.
func (s *Store) Stat(name string) (Ref, error) {
	path, err := s.Path(name)
	if err != nil {
		return Ref{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Ref{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Ref{}, fmt.Errorf("stat artifact %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return Ref{}, fmt.Errorf("%w: %s is not a regular file", ErrInvalidName, name)
	}
	return Ref{Name: name, Size: info.Size()}, nil
}

// Exists reports whether an artifact is committed.
func (s *Store) Exists(name string) (bool, error) {
	_, err := s.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Find returns the artifact written by stageName for taskID, whatever its
// extension.
func (s *Store) Find(taskID string, stageName stage.Name) (Ref, error) {
	refs, err := s.List(taskID)
	if err != nil {
		return Ref{}, err
	}
	for _, ref := range refs {
		parsed, err := Parse(ref.Name)
		if err != nil {
			continue
		}
		if parsed.Suffix == stageName.Suffix() && (stageName == stage.Source || parsed.Ext == stageName.OutputExt()) {
			return ref, nil
		}
	}
	return Ref{}, fmt.Errorf("%w: %s output of task %s", ErrNotFound, stageName, taskID)
}

// List returns every committed artifact of a task, sorted by name.
func (s *Store) List(taskID string) ([]Ref, error) {
	prefix := SanitizeID(taskID) + "_"
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read artifact directory: %w", err)
	}
	var refs []Ref
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasPrefix(name, prefix) {
			continue
		}
		parsed, err := Parse(name)
		if err != nil || parsed.TaskID != SanitizeID(taskID) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		refs = append(refs, Ref{Name: name, Size: info.Size()})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Usage reports capacity of the filesystem holding the artifacts.
func (s *Store) Usage() (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.dir, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", s.dir, err)
	}
	bsize := uint64(st.Bsize)
	return Usage{TotalBytes: st.Blocks * bsize, FreeBytes: st.Bavail * bsize}, nil
}
