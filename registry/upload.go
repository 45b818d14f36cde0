package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"model_registry/schema"
	"model_registry/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type uploadRequest struct {
	ModelName   string `json:"model_name"`
	Description string `json:"description"`
	Type        string `json:"model_type"`
	Subtype     string `json:"model_subtype"`
	Access      string `json:"access"`
	Metadata    string `json:"metadata"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
}

type uploadResponse struct {
	SessionToken string `json:"session_token"`
}

var modelNameRe = regexp.MustCompile(`^[\w\-]+$`)

func (registry *ModelRegistry) StartUpload(w http.ResponseWriter, r *http.Request) {
	var params uploadRequest
	if !ParseRequestBody(w, r, &params) {
		return
	}

	if !modelNameRe.MatchString(params.ModelName) {
		http.Error(w, "model name must be alphanumeric with _ or -", http.StatusBadRequest)
		return
	}

	if params.Type == "" || params.Subtype == "" || params.Checksum == "" {
		http.Error(w, "params 'model_type', 'model_subtype', and 'checksum' must be specified as non empty strings", http.StatusBadRequest)
		return
	}

	if params.Access != schema.Public && params.Access != schema.Private {
		http.Error(w, "model access param must be either 'public' or 'private'", http.StatusBadRequest)
		return
	}

	if params.Size <= 0 {
		http.Error(w, "model size should be > 0", http.StatusBadRequest)
		return
	}

	var model *schema.Model

	// The name check and insert run in one transaction so concurrent
	// upload-start calls for the same name cannot both succeed; the unique
	// index on name is the final word regardless.
	err := registry.db.Transaction(func(txn *gorm.DB) error {
		var count int64
		result := txn.Model(&schema.Model{}).Where("name = ?", params.ModelName).Count(&count)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate model name", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if count != 0 {
			return CodedError(fmt.Errorf("model with name '%v' already exists", params.ModelName), http.StatusConflict)
		}

		model = &schema.Model{
			Id:          uuid.New(),
			Name:        params.ModelName,
			Type:        params.Type,
			Subtype:     params.Subtype,
			Access:      params.Access,
			Status:      schema.Pending,
			Size:        params.Size,
			Checksum:    params.Checksum,
			StorageType: registry.storage.Type(),
			Description: params.Description,
			Metadata:    params.Metadata,
		}

		result = txn.Create(model)
		if result.Error != nil {
			slog.Error("sql error creating model for upload", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("unable to create model: %v", err), GetResponseCode(err))
		return
	}

	err = registry.storage.StartUpload(model.Id, model.Size)
	if err != nil {
		// The pending row must not outlive a failed allocation, otherwise
		// the name is blocked by a model with no storage target.
		result := registry.db.Delete(&schema.Model{}, "id = ?", model.Id)
		if result.Error != nil {
			slog.Error("sql error removing model after failed storage allocation", "model_id", model.Id, "error", result.Error)
		}
		http.Error(w, fmt.Sprintf("unable to start upload, storage error: %v", err), http.StatusInternalServerError)
		return
	}

	token, err := registry.uploadAuth.CreateUploadJwt(model.Id)
	if err != nil {
		slog.Error("error creating upload session token", "model_id", model.Id, "error", err)
		http.Error(w, "error creating upload session token", http.StatusInternalServerError)
		return
	}

	modelsCreatedMetric.Inc()
	slog.Info("started upload", "model_id", model.Id, "name", model.Name, "size", model.Size)

	WriteJsonResponse(w, uploadResponse{SessionToken: token})
}

type contentRange struct {
	start, end, size int64
}

var contentRangeRe = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

// parseContentRangeHeader parses "bytes start-end/total" with an exclusive
// end, so a chunk covers [start, end) and carries end-start bytes.
func parseContentRangeHeader(value string) (contentRange, error) {
	match := contentRangeRe.FindStringSubmatch(value)
	if len(match) != 4 {
		return contentRange{}, fmt.Errorf("invalid/missing Content-Range header")
	}

	start, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return contentRange{}, err
	}
	end, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil {
		return contentRange{}, err
	}
	size, err := strconv.ParseInt(match[3], 10, 64)
	if err != nil {
		return contentRange{}, err
	}

	if start > end || end > size {
		return contentRange{}, fmt.Errorf("invalid Content-Range header parameters, start must be <= end, and end must be <= size")
	}

	return contentRange{start: start, end: end, size: size}, nil
}

func (registry *ModelRegistry) UploadChunk(w http.ResponseWriter, r *http.Request) {
	chunkRange, err := parseContentRangeHeader(r.Header.Get("Content-Range"))
	if err != nil {
		http.Error(w, fmt.Sprintf("error parsing Content-Range header: %v", err), http.StatusBadRequest)
		return
	}

	modelId, err := modelIdFromClaims(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	model, err := schema.GetModel(modelId, registry.db)
	if err != nil {
		if errors.Is(err, schema.ErrModelNotFound) {
			http.Error(w, fmt.Sprintf("unable to find model '%v'", modelId), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Rejected before any byte is written, so a chunk can never land in a
	// mis-sized allocation.
	if chunkRange.size != model.Size {
		http.Error(w,
			fmt.Sprintf(
				"model %v is specified to have size %d, but Content-Range header specifies the total size as %d",
				model.Name, model.Size, chunkRange.size,
			),
			http.StatusBadRequest,
		)
		return
	}

	expectedBytes := chunkRange.end - chunkRange.start
	err = registry.storage.UploadChunk(modelId, chunkRange.start, expectedBytes, r.Body)
	if err != nil {
		if errors.Is(err, storage.ErrByteCountMismatch) {
			http.Error(w, fmt.Sprintf("chunk body does not contain the %d bytes declared by the Content-Range header", expectedBytes), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("unable to upload chunk, storage error: %v", err), http.StatusInternalServerError)
		return
	}

	chunksMetric.Inc()
	uploadBytesMetric.Add(float64(expectedBytes))

	WriteSuccess(w)
}

func (registry *ModelRegistry) CommitUpload(w http.ResponseWriter, r *http.Request) {
	modelId, err := modelIdFromClaims(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	model, err := schema.GetModel(modelId, registry.db)
	if err != nil {
		if errors.Is(err, schema.ErrModelNotFound) {
			http.Error(w, fmt.Sprintf("unable to find model '%v'", modelId), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = registry.storage.CommitUpload(modelId, model.Size, model.Checksum)
	if err != nil {
		if errors.Is(err, storage.ErrChecksumMismatch) || errors.Is(err, storage.ErrSizeMismatch) {
			http.Error(w, fmt.Sprintf("error committing upload for model %v: %v", model.Name, err), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("error committing upload for model %v: %v", model.Name, err), http.StatusInternalServerError)
		return
	}

	// No lock around this read-then-write: concurrent commits race to set
	// the same value, which is a harmless, idempotent outcome.
	result := registry.db.Model(&schema.Model{}).Where("id = ?", model.Id).Update("status", schema.Committed)
	if result.Error != nil {
		slog.Error("sql error updating model status on commit", "model_id", model.Id, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	commitsMetric.Inc()
	slog.Info("committed upload", "model_id", model.Id, "name", model.Name)

	WriteSuccess(w)
}
