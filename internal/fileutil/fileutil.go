package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Digest records the size and SHA-256 of written content.
type Digest struct {
	Size   int64
	SHA256 string
}

// WriteExclusive streams r into path so that readers only ever observe the
// complete file. Content is written to a temporary file in the same directory,
// fsynced, then hard-linked into place; the link fails with fs.ErrExist when
// path is already taken, so an existing file is never replaced.
func WriteExclusive(path string, r io.Reader, mode os.FileMode) (Digest, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return Digest{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		_ = tmp.Close()
		return Digest{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return Digest{}, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Digest{}, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Digest{}, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Digest{}, fmt.Errorf("%s: %w", path, fs.ErrExist)
		}
		return Digest{}, fmt.Errorf("commit %s: %w", path, err)
	}
	syncDir(dir)

	return Digest{Size: written, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// HashFile computes the digest of an existing file.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return Digest{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return Digest{Size: n, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// CopyFileVerified imports src to dst through WriteExclusive and checks the
// copy against the source size. dst is removed on mismatch.
func CopyFileVerified(src, dst string) (Digest, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return Digest{}, fmt.Errorf("stat source: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return Digest{}, err
	}
	defer in.Close()

	digest, err := WriteExclusive(dst, in, 0o644)
	if err != nil {
		return Digest{}, err
	}
	if digest.Size != srcInfo.Size() {
		_ = os.Remove(dst)
		return Digest{}, fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcInfo.Size(), digest.Size)
	}
	return digest, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
