package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"personalizer/internal/domain"
)

// Role prefixes used in stored file names.
const (
	RoleIdentity  = "identity"
	RoleReference = "reference"
	RoleResult    = "result"
)

const fileExt = ".png"

// StoredFile is an image materialized in the managed directory.
type StoredFile struct {
	Name string
	Path string
	Role string
}

// FileStore owns a single flat output directory. Every file it creates gets
// a fresh random name, so concurrent writers never collide and nothing is
// ever overwritten.
type FileStore struct {
	basePath string
	newID    func() string
}

// NewFileStore initializes a FileStore rooted at basePath, creating the
// directory when it does not exist yet.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: abs, newID: randomID}, nil
}

// Dir returns the managed directory.
func (s *FileStore) Dir() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Persist writes data under a new {role}_{id}.png name. The bytes land in a
// hidden temp file first and are renamed into place only after a successful
// sync, so a partial file is never visible under its final name.
func (s *FileStore) Persist(ctx context.Context, data []byte, role string) (StoredFile, error) {
	if s == nil {
		return StoredFile{}, fmt.Errorf("%w: no store configured", domain.ErrIOWrite)
	}
	if err := ctx.Err(); err != nil {
		return StoredFile{}, fmt.Errorf("%w: %w", domain.ErrIOWrite, err)
	}
	if len(data) == 0 {
		return StoredFile{}, fmt.Errorf("%w: empty payload", domain.ErrIOWrite)
	}
	file, err := s.commit(role, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return StoredFile{}, fmt.Errorf("%w: %w", domain.ErrIOWrite, err)
	}
	return file, nil
}

// Publish copies sourcePath into the managed directory as result_{id}.png.
// The source is left untouched.
func (s *FileStore) Publish(ctx context.Context, sourcePath string) (StoredFile, error) {
	if s == nil {
		return StoredFile{}, fmt.Errorf("%w: no store configured", domain.ErrIOCopy)
	}
	if err := ctx.Err(); err != nil {
		return StoredFile{}, fmt.Errorf("%w: %w", domain.ErrIOCopy, err)
	}
	sourcePath = strings.TrimSpace(sourcePath)
	if sourcePath == "" {
		return StoredFile{}, fmt.Errorf("%w: source path is required", domain.ErrIOCopy)
	}
	src, err := os.Open(sourcePath)
	if err != nil {
		return StoredFile{}, fmt.Errorf("%w: open source: %w", domain.ErrIOCopy, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return StoredFile{}, fmt.Errorf("%w: stat source: %w", domain.ErrIOCopy, err)
	}
	if info.IsDir() {
		return StoredFile{}, fmt.Errorf("%w: source is a directory", domain.ErrIOCopy)
	}

	file, err := s.commit(RoleResult, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
	if err != nil {
		return StoredFile{}, fmt.Errorf("%w: %w", domain.ErrIOCopy, err)
	}
	return file, nil
}

func (s *FileStore) commit(role string, fill func(io.Writer) error) (StoredFile, error) {
	role = sanitizeRole(role)
	tmp, err := os.CreateTemp(s.basePath, ".tmp-"+role+"-*")
	if err != nil {
		return StoredFile{}, fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := fill(tmp); err != nil {
		cleanup()
		return StoredFile{}, fmt.Errorf("storage: write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return StoredFile{}, fmt.Errorf("storage: sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return StoredFile{}, fmt.Errorf("storage: close file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return StoredFile{}, fmt.Errorf("storage: chmod file: %w", err)
	}

	name := role + "_" + s.newID() + fileExt
	fullPath := filepath.Join(s.basePath, name)
	if err := os.Rename(tmpPath, fullPath); err != nil {
		_ = os.Remove(tmpPath)
		return StoredFile{}, fmt.Errorf("storage: rename file: %w", err)
	}
	return StoredFile{Name: name, Path: fullPath, Role: role}, nil
}

func randomID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// sanitizeRole keeps role prefixes to lowercase letters so they can never
// introduce separators into a file name.
func sanitizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	var b strings.Builder
	for _, r := range role {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}
