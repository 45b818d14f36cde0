package registry_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"model_registry/registry"
	"model_registry/schema"
	"model_registry/storage"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	defaultEmail    = "admin@mail.com"
	defaultPassword = "password"
)

func setupRegistry(t *testing.T) chi.Router {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%v?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	if err := schema.Migrate(db); err != nil {
		t.Fatal(err)
	}

	store := storage.NewLocalStorage(t.TempDir(), []byte("test-secret"))

	reg := registry.New(db, store, []byte("test-secret"))

	if err := reg.AddAdmin(defaultEmail, defaultPassword); err != nil {
		t.Fatal(err)
	}

	return reg.Routes()
}

func request(router chi.Router, method, endpoint, token string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, endpoint, bytes.NewReader(body))
	if token != "" {
		req.Header.Add("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Add(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, router chi.Router) string {
	body := fmt.Sprintf(`{"email": "%v", "password": "%v"}`, defaultEmail, defaultPassword)
	w := request(router, "POST", "/login", "", []byte(body), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login should succeed, got status %d: %v", w.Code, w.Body.String())
	}

	result := make(map[string]string)
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}

	return result["token"]
}

func startUpload(t *testing.T, router chi.Router, adminToken, name, access string, data []byte) string {
	checksum, err := storage.Checksum(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	body := fmt.Sprintf(
		`{"model_name": "%v", "model_type": "ndb", "model_subtype": "base", "access": "%v", "size": %d, "checksum": "%v"}`,
		name, access, len(data), checksum,
	)
	w := request(router, "POST", "/upload-start", adminToken, []byte(body), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("upload-start should succeed, got status %d: %v", w.Code, w.Body.String())
	}

	result := make(map[string]string)
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}

	return result["session_token"]
}

func uploadChunk(router chi.Router, sessionToken string, chunk []byte, start, total int) *httptest.ResponseRecorder {
	headers := map[string]string{
		"Content-Range": fmt.Sprintf("bytes %d-%d/%d", start, start+len(chunk), total),
	}
	return request(router, "POST", "/upload-chunk", sessionToken, chunk, headers)
}

// uploadModel runs the full upload workflow, sending the chunks in reverse
// order to check that chunk order does not matter.
func uploadModel(t *testing.T, router chi.Router, adminToken, name, access string, data []byte, chunkSize int) {
	sessionToken := startUpload(t, router, adminToken, name, access, data)

	var chunks [][2]int
	for start := 0; start < len(data); start += chunkSize {
		chunks = append(chunks, [2]int{start, min(start+chunkSize, len(data))})
	}

	for i := len(chunks) - 1; i >= 0; i-- {
		start, end := chunks[i][0], chunks[i][1]
		w := uploadChunk(router, sessionToken, data[start:end], start, len(data))
		if w.Code != http.StatusOK {
			t.Fatalf("chunk at offset %d should succeed, got status %d: %v", start, w.Code, w.Body.String())
		}
	}

	w := request(router, "POST", "/upload-commit", sessionToken, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("upload-commit should succeed, got status %d: %v", w.Code, w.Body.String())
	}
}

func listModels(t *testing.T, router chi.Router, body string) []registry.ModelInfo {
	w := request(router, "POST", "/list-models", "", []byte(body), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list-models should succeed, got status %d: %v", w.Code, w.Body.String())
	}

	var result struct {
		Models []registry.ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}

	return result.Models
}

func downloadModel(t *testing.T, router chi.Router, name, accessToken string) ([]byte, int) {
	body := fmt.Sprintf(`{"model_name": "%v", "access_token": "%v"}`, name, accessToken)
	w := request(router, "POST", "/download-link", "", []byte(body), nil)
	if w.Code != http.StatusOK {
		return nil, w.Code
	}

	result := make(map[string]string)
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}

	dw := request(router, "GET", result["download_link"], "", nil, nil)
	return dw.Body.Bytes(), dw.Code
}

func randomData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestAdminAuth(t *testing.T) {
	router := setupRegistry(t)

	endpoints := []struct{ method, endpoint string }{
		{"POST", "/upload-start"},
		{"POST", "/generate-access-token"},
		{"POST", "/delete-model"},
		{"GET", "/all-models"},
	}

	for _, e := range endpoints {
		if w := request(router, e.method, e.endpoint, "", nil, nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("%v should be unauthorized without token, got status %d", e.endpoint, w.Code)
		}
		if w := request(router, e.method, e.endpoint, "not-a-token", nil, nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("%v should be unauthorized with invalid token, got status %d", e.endpoint, w.Code)
		}
	}

	token := login(t, router)

	w := request(router, "GET", "/all-models", token, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("request should succeed with token, got status %d: %v", w.Code, w.Body.String())
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	router := setupRegistry(t)

	cases := []string{
		fmt.Sprintf(`{"email": "%v", "password": "wrong"}`, defaultEmail),
		`{"email": "nobody@mail.com", "password": "password"}`,
	}

	for _, body := range cases {
		w := request(router, "POST", "/login", "", []byte(body), nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("login should be rejected, got status %d", w.Code)
		}
	}
}

func TestUploadDownloadWorkflow(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	data := randomData(2500)
	uploadModel(t, router, token, "my-model", schema.Public, data, 1000)

	models := listModels(t, router, `{}`)
	if len(models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(models))
	}
	if models[0].Name != "my-model" || models[0].Status != schema.Committed || models[0].Size != 2500 {
		t.Fatalf("unexpected model info: %+v", models[0])
	}

	downloaded, code := downloadModel(t, router, "my-model", "")
	if code != http.StatusOK {
		t.Fatalf("download should succeed, got status %d", code)
	}
	if !bytes.Equal(downloaded, data) {
		t.Fatal("downloaded model does not match uploaded contents")
	}
}

func TestDuplicateModelName(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	startUpload(t, router, token, "duplicate", schema.Public, randomData(100))

	checksum, _ := storage.Checksum(bytes.NewReader(randomData(100)))
	body := fmt.Sprintf(
		`{"model_name": "duplicate", "model_type": "ndb", "model_subtype": "base", "access": "public", "size": 100, "checksum": "%v"}`,
		checksum,
	)
	w := request(router, "POST", "/upload-start", token, []byte(body), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate name should return conflict, got status %d", w.Code)
	}
}

func TestStartUploadValidation(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	cases := []string{
		`{"model_name": "bad name!", "model_type": "ndb", "model_subtype": "base", "access": "public", "size": 10, "checksum": "abc"}`,
		`{"model_name": "ok", "model_type": "", "model_subtype": "base", "access": "public", "size": 10, "checksum": "abc"}`,
		`{"model_name": "ok", "model_type": "ndb", "model_subtype": "base", "access": "restricted", "size": 10, "checksum": "abc"}`,
		`{"model_name": "ok", "model_type": "ndb", "model_subtype": "base", "access": "public", "size": 0, "checksum": "abc"}`,
		`{"model_name": "ok", "model_type": "ndb", "model_subtype": "base", "access": "public", "size": 10, "checksum": ""}`,
	}

	for _, body := range cases {
		w := request(router, "POST", "/upload-start", token, []byte(body), nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("upload-start should reject body %v, got status %d", body, w.Code)
		}
	}
}

func TestPendingModelsHidden(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	startUpload(t, router, token, "in-progress", schema.Public, randomData(500))

	if models := listModels(t, router, `{}`); len(models) != 0 {
		t.Fatalf("pending model should not be listed, got %d models", len(models))
	}

	if _, code := downloadModel(t, router, "in-progress", ""); code != http.StatusBadRequest {
		t.Fatalf("pending model should not be downloadable, got status %d", code)
	}

	w := request(router, "GET", "/all-models", token, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatal("all-models should succeed")
	}
	var result struct {
		Models []registry.ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if len(result.Models) != 1 || result.Models[0].Status != schema.Pending {
		t.Fatalf("all-models should show the pending model, got %+v", result.Models)
	}
}

func TestChunkValidation(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	data := randomData(1000)
	sessionToken := startUpload(t, router, token, "chunked", schema.Public, data)

	// Missing/invalid Content-Range header.
	w := request(router, "POST", "/upload-chunk", sessionToken, data[:100], nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("chunk without Content-Range should be rejected, got status %d", w.Code)
	}

	w = request(router, "POST", "/upload-chunk", sessionToken, data[:100],
		map[string]string{"Content-Range": "bytes 200-100/1000"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("chunk with start > end should be rejected, got status %d", w.Code)
	}

	// Total size disagrees with the registered model size.
	w = uploadChunk(router, sessionToken, data[:100], 0, 900)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("chunk with wrong total size should be rejected, got status %d", w.Code)
	}

	// Body carries fewer bytes than the header declares.
	w = request(router, "POST", "/upload-chunk", sessionToken, data[:50],
		map[string]string{"Content-Range": "bytes 0-100/1000"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("chunk with short body should be rejected, got status %d", w.Code)
	}

	// Admin token is not valid for chunk uploads.
	w = uploadChunk(router, token, data[:100], 0, 1000)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("admin token should not authorize chunk upload, got status %d", w.Code)
	}

	w = uploadChunk(router, sessionToken, data[:100], 0, 1000)
	if w.Code != http.StatusOK {
		t.Fatalf("valid chunk should succeed, got status %d: %v", w.Code, w.Body.String())
	}
}

func TestCommitVerification(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	data := randomData(300)
	sessionToken := startUpload(t, router, token, "verified", schema.Public, data)

	// Upload contents that do not match the declared checksum.
	corrupted := append([]byte(nil), data...)
	corrupted[0] ^= 0xff
	if w := uploadChunk(router, sessionToken, corrupted, 0, len(data)); w.Code != http.StatusOK {
		t.Fatal("chunk upload should succeed")
	}

	w := request(router, "POST", "/upload-commit", sessionToken, nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("commit with bad checksum should be rejected, got status %d", w.Code)
	}

	// Overwrite with the real contents, then commit twice. The second commit
	// reverifies and succeeds.
	if w := uploadChunk(router, sessionToken, data, 0, len(data)); w.Code != http.StatusOK {
		t.Fatal("chunk upload should succeed")
	}

	for i := 0; i < 2; i++ {
		w := request(router, "POST", "/upload-commit", sessionToken, nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("commit %d should succeed, got status %d: %v", i, w.Code, w.Body.String())
		}
	}

	models := listModels(t, router, `{}`)
	if len(models) != 1 || models[0].Status != schema.Committed {
		t.Fatalf("model should be committed, got %+v", models)
	}
}

func TestPrivateModelAccess(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	dataA, dataB := randomData(400), randomData(600)
	uploadModel(t, router, token, "private-a", schema.Private, dataA, 200)
	uploadModel(t, router, token, "private-b", schema.Private, dataB, 200)
	uploadModel(t, router, token, "public-c", schema.Public, randomData(100), 100)

	generateToken := func(model string) string {
		body := fmt.Sprintf(`{"model_name": "%v", "token_name": "test token"}`, model)
		w := request(router, "POST", "/generate-access-token", token, []byte(body), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("generate-access-token should succeed, got status %d: %v", w.Code, w.Body.String())
		}
		result := make(map[string]string)
		if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
			t.Fatal(err)
		}
		return result["access_token"]
	}

	tokenA := generateToken("private-a")

	// Without tokens only the public model is visible.
	models := listModels(t, router, `{}`)
	if len(models) != 1 || models[0].Name != "public-c" {
		t.Fatalf("expected only public model, got %+v", models)
	}

	// A token for model A reveals A but not B.
	models = listModels(t, router, fmt.Sprintf(`{"access_tokens": ["%v"]}`, tokenA))
	if len(models) != 2 {
		t.Fatalf("expected public model plus private-a, got %+v", models)
	}
	for _, m := range models {
		if m.Name == "private-b" {
			t.Fatal("token for private-a should not reveal private-b")
		}
	}

	if _, code := downloadModel(t, router, "private-a", ""); code != http.StatusUnauthorized {
		t.Fatalf("private model without token should be unauthorized, got status %d", code)
	}
	if _, code := downloadModel(t, router, "private-b", tokenA); code != http.StatusUnauthorized {
		t.Fatalf("token for private-a should not download private-b, got status %d", code)
	}

	downloaded, code := downloadModel(t, router, "private-a", tokenA)
	if code != http.StatusOK {
		t.Fatalf("private model with matching token should download, got status %d", code)
	}
	if !bytes.Equal(downloaded, dataA) {
		t.Fatal("downloaded model does not match uploaded contents")
	}
}

func TestGenerateAccessTokenUnknownModel(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	body := `{"model_name": "missing", "token_name": "test"}`
	w := request(router, "POST", "/generate-access-token", token, []byte(body), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown model should return not found, got status %d", w.Code)
	}
}

func TestDeleteModel(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	data := randomData(800)
	uploadModel(t, router, token, "doomed", schema.Private, data, 300)

	w := request(router, "POST", "/delete-model?model_name=doomed", token, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete-model should succeed, got status %d: %v", w.Code, w.Body.String())
	}

	if w := request(router, "GET", "/all-models", token, nil, nil); w.Code == http.StatusOK {
		var result struct {
			Models []registry.ModelInfo `json:"models"`
		}
		json.NewDecoder(w.Body).Decode(&result)
		if len(result.Models) != 0 {
			t.Fatalf("deleted model should not be listed, got %+v", result.Models)
		}
	}

	if _, code := downloadModel(t, router, "doomed", ""); code != http.StatusBadRequest {
		t.Fatalf("deleted model should not be downloadable, got status %d", code)
	}

	// Name becomes reusable once the model is gone.
	uploadModel(t, router, token, "doomed", schema.Public, randomData(100), 100)

	w = request(router, "POST", "/delete-model?model_name=missing", token, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("deleting unknown model should return not found, got status %d", w.Code)
	}
}

func TestListModelFilters(t *testing.T) {
	router := setupRegistry(t)
	token := login(t, router)

	uploadModel(t, router, token, "search-base", schema.Public, randomData(100), 100)
	uploadModel(t, router, token, "chat-model", schema.Public, randomData(100), 100)

	if models := listModels(t, router, `{"name_filter": "search"}`); len(models) != 1 || models[0].Name != "search-base" {
		t.Fatalf("name filter should match one model, got %+v", models)
	}

	if models := listModels(t, router, `{"type_filter": "ndb"}`); len(models) != 2 {
		t.Fatalf("type filter should match both models, got %+v", models)
	}

	if models := listModels(t, router, `{"type_filter": "udt"}`); len(models) != 0 {
		t.Fatalf("type filter should match no models, got %+v", models)
	}

	// An empty body lists everything.
	w := request(router, "POST", "/list-models", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list-models with empty body should succeed, got status %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	router := setupRegistry(t)

	w := request(router, "GET", "/health", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health should return ok, got status %d", w.Code)
	}
}
