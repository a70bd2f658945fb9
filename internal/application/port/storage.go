package port

import (
	"context"
	"errors"
	"time"

	"github.com/garyjia/expense-reports/internal/domain/entity"
)

// ErrCacheMiss is returned by UploadCache.Fetch for unknown or expired tokens
var ErrCacheMiss = errors.New("upload cache miss")

// FileStorage defines file storage operations on keys relative to a root
type FileStorage interface {
	Save(ctx context.Context, path string, content []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) bool
	Delete(ctx context.Context, path string) error
	GetFullPath(relativePath string) string
}

// FolderManager defines folder management operations
type FolderManager interface {
	CreateFolder(ctx context.Context, name string) (string, error)
	GetPath(name string) string
	Exists(name string) bool
	Delete(ctx context.Context, name string) error
	SanitizeName(name string) string
}

// StagedUpload describes an upload held by the cache
type StagedUpload struct {
	Token    string
	FileName string
	StagedAt time.Time
}

// UploadCache holds the bytes of files submitted with a form that failed
// validation, so the user does not have to choose them again.
type UploadCache interface {
	// Stage stores the upload and returns an opaque token for it
	Stage(ctx context.Context, upload *entity.Upload) (string, error)

	// Fetch returns the staged upload, or ErrCacheMiss
	Fetch(ctx context.Context, token string) (*entity.Upload, error)

	// Discard removes a staged upload; unknown tokens are not an error
	Discard(ctx context.Context, token string) error

	// Sweep removes uploads staged before cutoff and returns how many it removed
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}
