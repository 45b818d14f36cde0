package storage

import (
	"errors"
	"io"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var (
	ErrByteCountMismatch = errors.New("chunk length does not match declared byte range")
	ErrChecksumMismatch  = errors.New("checksum doesn't match for model")
	ErrSizeMismatch      = errors.New("stored size does not match declared size")
)

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Storage is the byte-persistence backend for the registry. Implementations
// must support concurrent, out-of-order UploadChunk calls for the same model:
// writes are positional, never append-only.
type Storage interface {
	Type() string

	// StartUpload allocates the target object at its declared size.
	StartUpload(modelId uuid.UUID, size int64) error

	// UploadChunk writes expectedBytes from chunk at the given byte offset.
	// Returns ErrByteCountMismatch if chunk does not contain exactly
	// expectedBytes.
	UploadChunk(modelId uuid.UUID, offset int64, expectedBytes int64, chunk io.Reader) error

	// CommitUpload verifies the stored object against the declared size and
	// checksum. Safe to call more than once.
	CommitUpload(modelId uuid.UUID, size int64, expectedChecksum string) error

	DeleteModel(modelId uuid.UUID) error

	// DownloadLink returns a retrieval url for the model rooted under
	// storageUrl, which is this service's own storage mount.
	DownloadLink(storageUrl string, modelId uuid.UUID, filename string) (string, error)

	Usage() (UsageStats, error)

	// Routes is mounted under the registry's /storage sub-path.
	Routes() chi.Router
}
