package storage

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

func Checksum(data io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, data); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

type LocalStorage struct {
	basepath string

	downloadAuth *jwtauth.JWTAuth
}

func NewLocalStorage(basepath string, secret []byte) Storage {
	slog.Info("creating new local storage", "basepath", basepath)
	err := os.MkdirAll(basepath, 0777)
	if err != nil {
		panic(err)
	}
	return &LocalStorage{basepath: basepath, downloadAuth: jwtauth.New("HS256", secret, nil)}
}

func (s *LocalStorage) Type() string {
	return "local-storage"
}

func (s *LocalStorage) modelPath(modelId uuid.UUID) string {
	return filepath.Join(s.basepath, modelId.String())
}

func (s *LocalStorage) StartUpload(modelId uuid.UUID, size int64) error {
	fullpath := s.modelPath(modelId)

	file, err := os.Create(fullpath)
	if err != nil {
		slog.Error("error allocating file for upload", "path", fullpath, "error", err)
		return fmt.Errorf("error allocating file for model: %w", err)
	}
	defer file.Close()

	// Allocating the full object up front means offset writes never extend
	// the file, and commit can compare against the declared size directly.
	err = file.Truncate(size)
	if err != nil {
		slog.Error("error allocating file for upload", "path", fullpath, "size", size, "error", err)
		return fmt.Errorf("error allocating %d bytes for model: %w", size, err)
	}

	return nil
}

func (s *LocalStorage) UploadChunk(modelId uuid.UUID, offset int64, expectedBytes int64, chunk io.Reader) error {
	// The chunk is buffered before any byte reaches the file so that a body
	// shorter or longer than the declared range leaves the object untouched.
	data, err := io.ReadAll(io.LimitReader(chunk, expectedBytes+1))
	if err != nil {
		return fmt.Errorf("error reading chunk: %w", err)
	}
	if int64(len(data)) != expectedBytes {
		return ErrByteCountMismatch
	}

	file, err := os.OpenFile(s.modelPath(modelId), os.O_WRONLY, 0666)
	if err != nil {
		slog.Error("error opening file for chunk write", "model_id", modelId, "error", err)
		return fmt.Errorf("error opening file for model: %w", err)
	}
	defer file.Close()

	_, err = file.WriteAt(data, offset)
	if err != nil {
		slog.Error("error writing chunk", "model_id", modelId, "offset", offset, "error", err)
		return fmt.Errorf("write error: %w", err)
	}

	return nil
}

func (s *LocalStorage) CommitUpload(modelId uuid.UUID, size int64, expectedChecksum string) error {
	file, err := os.Open(s.modelPath(modelId))
	if err != nil {
		slog.Error("error opening file for commit", "model_id", modelId, "error", err)
		return fmt.Errorf("error opening file for model: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("error getting stats for model file: %w", err)
	}
	if info.Size() != size {
		return ErrSizeMismatch
	}

	actualChecksum, err := Checksum(file)
	if err != nil {
		return fmt.Errorf("error computing checksum for model: %w", err)
	}

	if actualChecksum != expectedChecksum {
		return ErrChecksumMismatch
	}

	return nil
}

func (s *LocalStorage) DeleteModel(modelId uuid.UUID) error {
	fullpath := s.modelPath(modelId)
	err := os.Remove(fullpath)
	if err != nil && !os.IsNotExist(err) {
		slog.Error("error deleting model file", "path", fullpath, "error", err)
		return fmt.Errorf("error deleting file for model: %w", err)
	}
	return nil
}

func (s *LocalStorage) DownloadLink(storageUrl string, modelId uuid.UUID, filename string) (string, error) {
	claims := map[string]interface{}{
		"model_id": modelId.String(),
		"filename": filename,
		"exp":      time.Now().Add(5 * time.Minute),
	}
	_, token, err := s.downloadAuth.Encode(claims)
	if err != nil {
		slog.Error("error signing download token", "model_id", modelId, "error", err)
		return "", fmt.Errorf("error creating download token: %w", err)
	}

	endpoint, err := url.JoinPath(storageUrl, "/download")
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%v?token=%v", endpoint, token), nil
}

func (s *LocalStorage) Usage() (UsageStats, error) {
	var stat unix.Statfs_t

	err := unix.Statfs(s.basepath, &stat)
	if err != nil {
		slog.Error("error getting disk usage for local storage", "path", s.basepath, "error", err)
		return UsageStats{}, fmt.Errorf("error getting disk usage stats: %w", err)
	}

	return UsageStats{
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
		FreeBytes:  stat.Bfree * uint64(stat.Bsize),
	}, nil
}

func (s *LocalStorage) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/download", s.Download)
	return r
}

func (s *LocalStorage) Download(w http.ResponseWriter, r *http.Request) {
	token, err := jwtauth.VerifyToken(s.downloadAuth, r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unable to verify download token", http.StatusUnauthorized)
		return
	}

	modelIdStr, ok := token.Get("model_id")
	if !ok {
		http.Error(w, "invalid claims in download token", http.StatusBadRequest)
		return
	}
	modelId, err := uuid.Parse(modelIdStr.(string))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid claims in download token: %v", err), http.StatusBadRequest)
		return
	}

	filename, ok := token.Get("filename")
	if !ok {
		http.Error(w, "invalid claims in download token", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "http response does not support chunked response", http.StatusInternalServerError)
		return
	}

	file, err := os.Open(s.modelPath(modelId))
	if err != nil {
		slog.Error("error opening model file for download", "model_id", modelId, "error", err)
		http.Error(w, "unable to open file for model", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Add("Content-Disposition", fmt.Sprintf("attachment; filename=\"%v\"", filename))

	buffer := bufio.NewReader(file)
	chunk := make([]byte, 1024*1024)

	for {
		readN, err := buffer.Read(chunk)
		isEof := err == io.EOF
		if err != nil && !isEof {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeN, err := w.Write(chunk[:readN])
		if writeN != readN {
			http.Error(w, fmt.Sprintf("expected to write %d bytes to stream, wrote %d", readN, writeN), http.StatusInternalServerError)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		flusher.Flush() // Sends chunk

		if isEof {
			break
		}
	}
}
