package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/treumalgotech/credvault/internal/credential"
)

const (
	fileVersion     = 1
	defaultLockWait = 2 * time.Second
	lockPollEvery   = 25 * time.Millisecond
	staleLockAfter  = 30 * time.Second
)

// vaultFile is the on-disk shape: one record per profile key.
type vaultFile struct {
	Version  int                     `json:"version"`
	Profiles map[string]*vaultRecord `json:"profiles"`
}

type vaultRecord struct {
	Bundle    credential.TokenBundle `json:"bundle"`
	UpdatedAt int64                  `json:"updated_at"`
}

// FileStore persists bundles in a single JSON file with atomic writes and a
// lock file serializing read-modify-write cycles across processes.
type FileStore struct {
	Path     string
	LockWait time.Duration

	sealer *sealer
	logger *zerolog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (or prepares to create) a file-backed store at path.
// Token material is sealed at rest when CREDVAULT_MASTER_KEY is set.
func NewFileStore(path string, logger *zerolog.Logger) (*FileStore, error) {
	s, err := newSealerFromEnv()
	if err != nil {
		return nil, err
	}
	return &FileStore{Path: path, LockWait: defaultLockWait, sealer: s, logger: logger}, nil
}

// DefaultPath resolves the vault location under XDG config, mirroring where
// the rest of the toolchain keeps its state.
func DefaultPath() string {
	xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfigHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		xdgConfigHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(xdgConfigHome, "credvault", "vault.json")
}

func profileKey(provider credential.Provider, profile string) string {
	return string(provider) + "/" + profile
}

func (f *FileStore) Get(ctx context.Context, provider credential.Provider, profile string) (*credential.TokenBundle, error) {
	vf, err := f.load()
	if err != nil {
		return nil, err
	}
	rec, ok := vf.Profiles[profileKey(provider, profile)]
	if !ok {
		return nil, credential.ErrNotFound
	}
	b := rec.Bundle
	if err := f.openBundle(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (f *FileStore) Put(ctx context.Context, provider credential.Provider, profile string, bundle *credential.TokenBundle) error {
	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	vf, err := f.load()
	if err != nil {
		return err
	}
	stored := *bundle
	if err := f.sealBundle(&stored); err != nil {
		return err
	}
	vf.Profiles[profileKey(provider, profile)] = &vaultRecord{
		Bundle:    stored,
		UpdatedAt: time.Now().UnixMilli(),
	}
	return f.save(vf)
}

func (f *FileStore) Delete(ctx context.Context, provider credential.Provider, profile string) error {
	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	vf, err := f.load()
	if err != nil {
		return err
	}
	delete(vf.Profiles, profileKey(provider, profile))
	return f.save(vf)
}

func (f *FileStore) ListProfiles(ctx context.Context) ([]credential.ProfileKey, error) {
	vf, err := f.load()
	if err != nil {
		return nil, err
	}
	keys := make([]credential.ProfileKey, 0, len(vf.Profiles))
	for k := range vf.Profiles {
		provider, name, ok := strings.Cut(k, "/")
		if !ok {
			continue
		}
		keys = append(keys, credential.ProfileKey{Provider: credential.Provider(provider), Name: name})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (f *FileStore) sealBundle(b *credential.TokenBundle) error {
	if f.sealer == nil {
		return nil
	}
	var err error
	if b.AccessToken != "" {
		if b.AccessToken, err = f.sealer.Seal(b.AccessToken); err != nil {
			return fmt.Errorf("seal access token: %w", err)
		}
	}
	if b.RefreshToken != "" {
		if b.RefreshToken, err = f.sealer.Seal(b.RefreshToken); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}
	return nil
}

func (f *FileStore) openBundle(b *credential.TokenBundle) error {
	if f.sealer == nil {
		return nil
	}
	var err error
	if b.AccessToken, err = f.sealer.Open(b.AccessToken); err != nil {
		return fmt.Errorf("open access token: %w", err)
	}
	if b.RefreshToken, err = f.sealer.Open(b.RefreshToken); err != nil {
		return fmt.Errorf("open refresh token: %w", err)
	}
	return nil
}

func (f *FileStore) load() (*vaultFile, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return &vaultFile{Version: fileVersion, Profiles: map[string]*vaultRecord{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	var vf vaultFile
	if err := json.Unmarshal(b, &vf); err != nil {
		return nil, fmt.Errorf("parse vault file: %w", err)
	}
	if vf.Profiles == nil {
		vf.Profiles = map[string]*vaultRecord{}
	}
	return &vf, nil
}

// save writes the vault atomically: temp file, fsync, close, chmod, rename.
// On rename failure (Windows with the destination open) it retries after a
// remove, which keeps the old file intact if the retry fails too.
func (f *FileStore) save(vf *vaultFile) error {
	data, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	_ = os.Chmod(tmpPath, 0600)

	if err := os.Rename(tmpPath, f.Path); err != nil {
		_ = os.Remove(f.Path)
		if err2 := os.Rename(tmpPath, f.Path); err2 != nil {
			return fmt.Errorf("rename vault: %v (after remove: %v)", err, err2)
		}
	}
	return nil
}

// lock takes the cross-process write lock via an O_EXCL lock file. Waits up
// to LockWait, then reports credential.ErrStoreBusy. A lock file older than
// staleLockAfter is treated as abandoned by a crashed writer and removed.
func (f *FileStore) lock(ctx context.Context) (func(), error) {
	lockPath := f.Path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, fmt.Errorf("mkdir for lock: %w", err)
	}

	wait := f.LockWait
	if wait <= 0 {
		wait = defaultLockWait
	}
	deadline := time.Now().Add(wait)

	for {
		fd, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(fd, "%d\n", os.Getpid())
			_ = fd.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAfter {
			if f.logger != nil {
				f.logger.Warn().Str("lock", lockPath).Msg("removing stale vault lock")
			}
			_ = os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", lockPath, credential.ErrStoreBusy)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollEvery):
		}
	}
}
