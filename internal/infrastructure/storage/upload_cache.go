package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garyjia/expense-reports/internal/application/port"
	"github.com/garyjia/expense-reports/internal/domain/entity"
)

const (
	cacheMetaFile = "meta.json"
	cacheBlobFile = "blob"
)

// LocalUploadCache implements port.UploadCache with one folder per token.
// Each folder holds the raw bytes and a meta.json describing them.
type LocalUploadCache struct {
	folders *LocalFolderManager
	logger  *zap.Logger
	now     func() time.Time
}

// NewLocalUploadCache creates a cache rooted at baseDir
func NewLocalUploadCache(baseDir string, logger *zap.Logger) *LocalUploadCache {
	return &LocalUploadCache{
		folders: NewLocalFolderManager(baseDir, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// Stage stores the upload under a fresh token
func (c *LocalUploadCache) Stage(ctx context.Context, upload *entity.Upload) (string, error) {
	if upload == nil {
		return "", fmt.Errorf("cannot stage nil upload")
	}

	token := uuid.NewString()
	dir, err := c.folders.CreateFolder(ctx, token)
	if err != nil {
		return "", err
	}

	meta := port.StagedUpload{
		Token:    token,
		FileName: upload.FileName,
		StagedAt: c.now().UTC(),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		_ = c.folders.Delete(ctx, token)
		return "", fmt.Errorf("failed to encode staged upload: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, cacheBlobFile), upload.Content, 0644); err != nil {
		_ = c.folders.Delete(ctx, token)
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}
	// meta.json is written last; a folder without it is incomplete and ignored by Fetch
	if err := os.WriteFile(filepath.Join(dir, cacheMetaFile), metaBytes, 0644); err != nil {
		_ = c.folders.Delete(ctx, token)
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}

	c.logger.Debug("Upload staged",
		zap.String("token", token),
		zap.String("file_name", upload.FileName),
		zap.Int("size", len(upload.Content)))
	return token, nil
}

// Fetch returns the staged upload for token
func (c *LocalUploadCache) Fetch(ctx context.Context, token string) (*entity.Upload, error) {
	if !c.validToken(token) {
		return nil, port.ErrCacheMiss
	}

	meta, err := c.readMeta(token)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(filepath.Join(c.folders.GetPath(token), cacheBlobFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, port.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read staged upload: %w", err)
	}

	return &entity.Upload{FileName: meta.FileName, Content: content}, nil
}

// Discard removes the staged upload for token
func (c *LocalUploadCache) Discard(ctx context.Context, token string) error {
	if !c.validToken(token) {
		return nil
	}
	return c.folders.Delete(ctx, token)
}

// Sweep removes every staged upload older than cutoff. Folders with
// unreadable metadata are treated as expired.
func (c *LocalUploadCache) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	names, err := c.folders.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !c.validToken(name) {
			continue
		}

		meta, err := c.readMeta(name)
		if err == nil && !meta.StagedAt.Before(cutoff) {
			continue
		}
		if err != nil && !errors.Is(err, port.ErrCacheMiss) {
			c.logger.Warn("Removing unreadable staged upload", zap.String("token", name), zap.Error(err))
		}
		if err != nil && errors.Is(err, port.ErrCacheMiss) && !c.olderThan(name, cutoff) {
			// meta.json may still be in flight
			continue
		}

		if err := c.folders.Delete(ctx, name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *LocalUploadCache) readMeta(token string) (*port.StagedUpload, error) {
	raw, err := os.ReadFile(filepath.Join(c.folders.GetPath(token), cacheMetaFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, port.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read staged upload metadata: %w", err)
	}

	var meta port.StagedUpload
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode staged upload metadata: %w", err)
	}
	return &meta, nil
}

func (c *LocalUploadCache) olderThan(token string, cutoff time.Time) bool {
	info, err := os.Stat(c.folders.GetPath(token))
	return err == nil && info.ModTime().Before(cutoff)
}

// validToken rejects anything that is not a uuid so tokens from form input
// can never name arbitrary folders.
func (c *LocalUploadCache) validToken(token string) bool {
	_, err := uuid.Parse(token)
	return err == nil && c.folders.SanitizeName(token) == token
}

var _ port.UploadCache = (*LocalUploadCache)(nil)
