package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

var ErrUnauthorized = errors.New("unauthorized")

type httpRequest struct {
	method      string
	baseUrl     string
	endpoint    string
	headers     map[string]string
	queryParams map[string]string
	json        interface{}
	body        io.Reader
}

func newHttpRequest(method, baseUrl, endpoint string) *httpRequest {
	return &httpRequest{
		method:   method,
		baseUrl:  baseUrl,
		endpoint: endpoint,
	}
}

func (r *httpRequest) Header(key, value string) *httpRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpRequest) Auth(token string) *httpRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpRequest) Json(data interface{}) *httpRequest {
	r.json = data
	return r
}

func (r *httpRequest) Body(body io.Reader) *httpRequest {
	r.body = body
	return r
}

func (r *httpRequest) Param(key, value string) *httpRequest {
	if r.queryParams == nil {
		r.queryParams = make(map[string]string)
	}
	r.queryParams[key] = value
	return r
}

func (r *httpRequest) Process(resultHandler func(io.Reader) error) error {
	fullEndpoint, err := url.JoinPath(r.baseUrl, r.endpoint)
	if err != nil {
		return fmt.Errorf("error building url for endpoint %v: %w", r.endpoint, err)
	}

	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req, err := http.NewRequest(r.method, fullEndpoint, r.body)
	if err != nil {
		return fmt.Errorf("error creating %v request for endpoint %v: %w", r.method, r.endpoint, err)
	}

	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	if r.queryParams != nil {
		q := req.URL.Query()
		for k, v := range r.queryParams {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %v request to endpoint %v: %w", r.method, r.endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		content, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, string(content))
	}

	if resultHandler != nil {
		return resultHandler(res.Body)
	}

	return nil
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpRequest) Do(result interface{}) error {
	if result == nil {
		return r.Process(nil)
	}
	return r.Process(func(body io.Reader) error {
		err := json.NewDecoder(body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
		return nil
	})
}
