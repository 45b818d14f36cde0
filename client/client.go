package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"model_registry/registry"
	"model_registry/storage"
)

const chunkSize = 1024 * 1024

// RegistryClient is a thin wrapper over the registry http api. Admin
// operations require calling Login first.
type RegistryClient struct {
	baseUrl    string
	adminToken string
}

func New(baseUrl string) *RegistryClient {
	return &RegistryClient{baseUrl: strings.TrimSuffix(baseUrl, "/")}
}

func (c *RegistryClient) Login(email, password string) error {
	var res struct {
		Token string `json:"token"`
	}
	err := newHttpRequest("POST", c.baseUrl, "/api/v1/login").
		Json(map[string]string{"email": email, "password": password}).
		Do(&res)
	if err != nil {
		return err
	}
	c.adminToken = res.Token
	return nil
}

type UploadArgs struct {
	ModelName   string
	Type        string
	Subtype     string
	Access      string
	Description string
	Metadata    string
}

// UploadModel registers and uploads a model from an in memory buffer.
func (c *RegistryClient) UploadModel(args UploadArgs, data []byte) error {
	checksum, err := storage.Checksum(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error computing checksum: %w", err)
	}

	var res struct {
		SessionToken string `json:"session_token"`
	}
	err = newHttpRequest("POST", c.baseUrl, "/api/v1/upload-start").
		Auth(c.adminToken).
		Json(map[string]interface{}{
			"model_name":    args.ModelName,
			"model_type":    args.Type,
			"model_subtype": args.Subtype,
			"access":        args.Access,
			"description":   args.Description,
			"metadata":      args.Metadata,
			"size":          len(data),
			"checksum":      checksum,
		}).
		Do(&res)
	if err != nil {
		return fmt.Errorf("error starting upload: %w", err)
	}

	for offset := 0; offset < len(data); offset += chunkSize {
		end := min(offset+chunkSize, len(data))
		err := newHttpRequest("POST", c.baseUrl, "/api/v1/upload-chunk").
			Auth(res.SessionToken).
			Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end, len(data))).
			Body(bytes.NewReader(data[offset:end])).
			Do(nil)
		if err != nil {
			return fmt.Errorf("error uploading chunk at offset %d: %w", offset, err)
		}
	}

	err = newHttpRequest("POST", c.baseUrl, "/api/v1/upload-commit").
		Auth(res.SessionToken).
		Do(nil)
	if err != nil {
		return fmt.Errorf("error committing upload: %w", err)
	}

	return nil
}

// UploadModelFile is a convenience wrapper that reads the model from disk.
func (c *RegistryClient) UploadModelFile(args UploadArgs, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading model file %v: %w", path, err)
	}
	return c.UploadModel(args, data)
}

func (c *RegistryClient) GenerateAccessToken(modelName, tokenName string) (string, error) {
	var res struct {
		AccessToken string `json:"access_token"`
	}
	err := newHttpRequest("POST", c.baseUrl, "/api/v1/generate-access-token").
		Auth(c.adminToken).
		Json(map[string]string{"model_name": modelName, "token_name": tokenName}).
		Do(&res)
	if err != nil {
		return "", err
	}
	return res.AccessToken, nil
}

type ListArgs struct {
	NameFilter    string
	TypeFilter    string
	SubtypeFilter string
	AccessTokens  []string
}

func (c *RegistryClient) ListModels(args ListArgs) ([]registry.ModelInfo, error) {
	var res struct {
		Models []registry.ModelInfo `json:"models"`
	}
	err := newHttpRequest("POST", c.baseUrl, "/api/v1/list-models").
		Json(map[string]interface{}{
			"name_filter":    args.NameFilter,
			"type_filter":    args.TypeFilter,
			"subtype_filter": args.SubtypeFilter,
			"access_tokens":  args.AccessTokens,
		}).
		Do(&res)
	if err != nil {
		return nil, err
	}
	return res.Models, nil
}

func (c *RegistryClient) AllModels() ([]registry.ModelInfo, error) {
	var res struct {
		Models []registry.ModelInfo `json:"models"`
	}
	err := newHttpRequest("GET", c.baseUrl, "/api/v1/all-models").
		Auth(c.adminToken).
		Do(&res)
	if err != nil {
		return nil, err
	}
	return res.Models, nil
}

func (c *RegistryClient) DownloadLink(modelName, accessToken string) (string, error) {
	var res struct {
		DownloadLink string `json:"download_link"`
	}
	err := newHttpRequest("POST", c.baseUrl, "/api/v1/download-link").
		Json(map[string]string{"model_name": modelName, "access_token": accessToken}).
		Do(&res)
	if err != nil {
		return "", err
	}
	return res.DownloadLink, nil
}

// DownloadModel resolves a download link and streams the model contents to dst.
func (c *RegistryClient) DownloadModel(modelName, accessToken string, dst io.Writer) error {
	link, err := c.DownloadLink(modelName, accessToken)
	if err != nil {
		return err
	}

	// Links are issued relative to the request url, so a path only link is
	// resolved against the client's base url.
	parsed, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("error parsing download link: %w", err)
	}
	if !parsed.IsAbs() {
		link, err = url.JoinPath(c.baseUrl, parsed.Path)
		if err != nil {
			return fmt.Errorf("error resolving download link: %w", err)
		}
		link += "?" + parsed.RawQuery
	}

	res, err := http.Get(link)
	if err != nil {
		return fmt.Errorf("error downloading model %v: %w", modelName, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		content, _ := io.ReadAll(res.Body)
		return fmt.Errorf("download returned status %d, content '%v'", res.StatusCode, string(content))
	}

	_, err = io.Copy(dst, res.Body)
	if err != nil {
		return fmt.Errorf("error reading model contents: %w", err)
	}

	return nil
}

func (c *RegistryClient) DeleteModel(modelName string) error {
	return newHttpRequest("POST", c.baseUrl, "/api/v1/delete-model").
		Auth(c.adminToken).
		Param("model_name", modelName).
		Do(nil)
}
