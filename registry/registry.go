package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"model_registry/schema"
	"model_registry/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type ModelRegistry struct {
	db *gorm.DB

	adminAuth  *jwtManager
	uploadAuth *jwtManager

	storage storage.Storage
}

func New(db *gorm.DB, store storage.Storage, secret []byte) *ModelRegistry {
	return &ModelRegistry{
		db:         db,
		adminAuth:  newJwtManager(slices.Concat(secret, []byte("admin"))),
		uploadAuth: newJwtManager(slices.Concat(secret, []byte("upload"))),
		storage:    store,
	}
}

// AddAdmin is the operator bootstrap step; admin accounts are never created
// through the public API.
func (registry *ModelRegistry) AddAdmin(email, password string) error {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return fmt.Errorf("error encrypting admin password: %w", err)
	}

	err = registry.db.Transaction(func(txn *gorm.DB) error {
		var existing schema.Admin
		result := txn.Limit(1).Find(&existing, "email = ?", email)
		if result.Error != nil {
			slog.Error("sql error checking if admin has already been added", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			result := txn.Create(&schema.Admin{Id: uuid.New(), Email: email, Password: hashedPwd})
			if result.Error != nil {
				slog.Error("sql error creating admin account", "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error adding admin account: %w", err)
	}

	return nil
}

func (registry *ModelRegistry) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(httprate.LimitByIP(10, time.Minute)).Post("/login", registry.Login)

	r.Group(func(r chi.Router) {
		r.Use(registry.adminAuth.Verifier())
		r.Use(registry.adminAuth.Authenticator())
		r.Use(registry.requireAdmin())

		r.Post("/generate-access-token", registry.GenerateAccessToken)
		r.Post("/delete-model", registry.DeleteModel)
		r.Get("/all-models", registry.AllModels)
		r.With(checkSufficientStorage(registry.storage)).Post("/upload-start", registry.StartUpload)
	})

	r.Group(func(r chi.Router) {
		r.Use(registry.uploadAuth.Verifier())
		r.Use(registry.uploadAuth.Authenticator())

		r.Post("/upload-chunk", registry.UploadChunk)
		r.Post("/upload-commit", registry.CommitUpload)
	})

	r.Group(func(r chi.Router) {
		r.Post("/list-models", registry.ListModels)
		r.Post("/download-link", registry.DownloadLink)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w)
	})

	r.Mount("/storage", registry.storage.Routes())

	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (registry *ModelRegistry) Login(w http.ResponseWriter, r *http.Request) {
	var params loginRequest
	if !ParseRequestBody(w, r, &params) {
		return
	}

	admin, err := schema.GetAdmin(params.Email, registry.db)
	if err != nil {
		if errors.Is(err, schema.ErrAdminNotFound) {
			http.Error(w, "invalid login credentials", http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = bcrypt.CompareHashAndPassword(admin.Password, []byte(params.Password))
	if err != nil {
		http.Error(w, "invalid login credentials", http.StatusUnauthorized)
		return
	}

	token, err := registry.adminAuth.CreateAdminJwt(admin.Email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("admin login", "email", admin.Email)

	WriteJsonResponse(w, loginResponse{Token: token})
}

type generateAccessTokenRequest struct {
	ModelName string `json:"model_name"`
	TokenName string `json:"token_name"`
}

type generateAccessTokenResponse struct {
	ModelName   string `json:"model_name"`
	AccessToken string `json:"access_token"`
}

func (registry *ModelRegistry) GenerateAccessToken(w http.ResponseWriter, r *http.Request) {
	var params generateAccessTokenRequest
	if !ParseRequestBody(w, r, &params) {
		return
	}

	model, err := schema.GetModelByName(params.ModelName, registry.db)
	if err != nil {
		if errors.Is(err, schema.ErrModelNotFound) {
			http.Error(w, fmt.Sprintf("unable to find model with name '%v'", params.ModelName), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	token, err := newAccessToken()
	if err != nil {
		slog.Error("error generating access token", "error", err)
		http.Error(w, "error generating access token", http.StatusInternalServerError)
		return
	}

	result := registry.db.Create(&schema.AccessToken{Id: uuid.New(), Token: token, Name: params.TokenName, ModelId: model.Id})
	if result.Error != nil {
		slog.Error("sql error creating access token", "model_id", model.Id, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("created access token for model", "model_id", model.Id, "token_name", params.TokenName)

	WriteJsonResponse(w, generateAccessTokenResponse{ModelName: params.ModelName, AccessToken: token})
}

func (registry *ModelRegistry) DeleteModel(w http.ResponseWriter, r *http.Request) {
	modelName := r.URL.Query().Get("model_name")
	if modelName == "" {
		http.Error(w, "param 'model_name' is not present in request", http.StatusBadRequest)
		return
	}

	model, err := schema.GetModelByName(modelName, registry.db)
	if err != nil {
		if errors.Is(err, schema.ErrModelNotFound) {
			http.Error(w, fmt.Sprintf("unable to find model with name '%v'", modelName), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Storage goes first: if it fails the catalog row survives, instead of
	// orphaning metadata whose backing bytes are unreachable.
	err = registry.storage.DeleteModel(model.Id)
	if err != nil {
		http.Error(w, fmt.Sprintf("unable to delete model, storage error: %v", err), http.StatusInternalServerError)
		return
	}

	err = registry.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Where("model_id = ?", model.Id).Delete(&schema.AccessToken{})
		if result.Error != nil {
			slog.Error("sql error deleting access tokens for model", "model_id", model.Id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		result = txn.Delete(&schema.Model{}, "id = ?", model.Id)
		if result.Error != nil {
			slog.Error("sql error deleting model", "model_id", model.Id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting model: %v", err), http.StatusInternalServerError)
		return
	}

	modelsDeletedMetric.Inc()
	slog.Info("deleted model", "model_id", model.Id, "name", model.Name)

	WriteSuccess(w)
}

type listModelsRequest struct {
	NameFilter    string   `json:"name_filter"`
	TypeFilter    string   `json:"type_filter"`
	SubtypeFilter string   `json:"subtype_filter"`
	AccessTokens  []string `json:"access_tokens"`
}

// Columns are qualified since the private query joins access_tokens, which
// has a name column of its own.
func (filters *listModelsRequest) applyFilters(query *gorm.DB) *gorm.DB {
	if filters.NameFilter != "" {
		query = query.Where("models.name LIKE ?", fmt.Sprintf("%%%v%%", filters.NameFilter))
	}
	if filters.TypeFilter != "" {
		query = query.Where("models.type = ?", filters.TypeFilter)
	}
	if filters.SubtypeFilter != "" {
		query = query.Where("models.subtype = ?", filters.SubtypeFilter)
	}
	return query
}

type ModelInfo struct {
	Id          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Subtype     string    `json:"subtype"`
	Access      string    `json:"access"`
	Status      string    `json:"status"`
	Size        int64     `json:"size"`
	Description string    `json:"description"`
	Metadata    string    `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
}

type listModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

func modelInfo(model *schema.Model) ModelInfo {
	return ModelInfo{
		Id:          model.Id,
		Name:        model.Name,
		Type:        model.Type,
		Subtype:     model.Subtype,
		Access:      model.Access,
		Status:      model.Status,
		Size:        model.Size,
		Description: model.Description,
		Metadata:    model.Metadata,
		CreatedAt:   model.CreatedAt,
	}
}

func (registry *ModelRegistry) ListModels(w http.ResponseWriter, r *http.Request) {
	var params listModelsRequest
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&params)
	if err != nil && err != io.EOF {
		http.Error(w, fmt.Sprintf("error parsing request body: %v", err), http.StatusBadRequest)
		return
	}

	var models []schema.Model
	result := params.applyFilters(
		registry.db.Where("models.access = ? AND models.status = ?", schema.Public, schema.Committed),
	).Find(&models)
	if result.Error != nil {
		slog.Error("sql error listing public models", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	if len(params.AccessTokens) > 0 {
		var privateModels []schema.Model
		query := registry.db.
			Joins("JOIN access_tokens ON access_tokens.model_id = models.id").
			Where("models.access = ? AND models.status = ?", schema.Private, schema.Committed).
			Where("access_tokens.token IN ?", params.AccessTokens).
			Distinct("models.*")
		result := params.applyFilters(query).Find(&privateModels)
		if result.Error != nil {
			slog.Error("sql error listing private models", "error", result.Error)
			http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
			return
		}
		models = append(models, privateModels...)
	}

	modelInfos := make([]ModelInfo, 0, len(models))
	for _, model := range models {
		modelInfos = append(modelInfos, modelInfo(&model))
	}

	WriteJsonResponse(w, listModelsResponse{Models: modelInfos})
}

// AllModels bypasses access and status filtering for operational visibility,
// which is why it sits behind the admin realm.
func (registry *ModelRegistry) AllModels(w http.ResponseWriter, r *http.Request) {
	var models []schema.Model
	result := registry.db.Find(&models)
	if result.Error != nil {
		slog.Error("sql error listing all models", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	modelInfos := make([]ModelInfo, 0, len(models))
	for _, model := range models {
		modelInfos = append(modelInfos, modelInfo(&model))
	}

	WriteJsonResponse(w, listModelsResponse{Models: modelInfos})
}

type downloadRequest struct {
	ModelName   string `json:"model_name"`
	AccessToken string `json:"access_token"`
}

type downloadResponse struct {
	DownloadLink string `json:"download_link"`
}

func formatDownloadName(modelName string) string {
	return strings.Replace(modelName, " ", "_", -1) + ".model"
}

func (registry *ModelRegistry) DownloadLink(w http.ResponseWriter, r *http.Request) {
	var params downloadRequest
	if !ParseRequestBody(w, r, &params) {
		return
	}

	model, err := schema.GetModelByName(params.ModelName, registry.db)
	if err != nil || model.Status != schema.Committed {
		http.Error(w, fmt.Sprintf("unable to find model with name '%v'", params.ModelName), http.StatusBadRequest)
		return
	}

	if model.Access != schema.Public {
		accessToken, err := schema.GetAccessToken(params.AccessToken, registry.db)
		if err != nil || accessToken.ModelId != model.Id {
			http.Error(w, fmt.Sprintf("provided access token does not match model '%v'", params.ModelName), http.StatusUnauthorized)
			return
		}
	}

	// The link must resolve on whatever host served this request, so the
	// storage mount is located relative to the request url.
	u := r.URL.String()
	i := strings.Index(u, "download-link")
	if i < 0 {
		http.Error(w, "unable to find base url", http.StatusInternalServerError)
		return
	}
	storageUrl, err := url.JoinPath(u[:i], "/storage")
	if err != nil {
		http.Error(w, "unable to find base url", http.StatusInternalServerError)
		return
	}

	link, err := registry.storage.DownloadLink(storageUrl, model.Id, formatDownloadName(model.Name))
	if err != nil {
		http.Error(w, fmt.Sprintf("unable to get download link, storage error: %v", err), http.StatusInternalServerError)
		return
	}

	downloadLinksMetric.Inc()

	WriteJsonResponse(w, downloadResponse{DownloadLink: link})
}
