package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// HTTPConfig holds remote server connection configuration.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPAuthority implements Authority over the server's JSON API.
type HTTPAuthority struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPAuthority creates a new HTTPAuthority.
func NewHTTPAuthority(config HTTPConfig) *HTTPAuthority {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &HTTPAuthority{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Create posts a new record.
func (a *HTTPAuthority) Create(ctx context.Context, table models.Table, payload models.Record) (*Response, error) {
	return a.do(ctx, http.MethodPost, a.path(table, ""), payload)
}

// Get fetches a record.
func (a *HTTPAuthority) Get(ctx context.Context, table models.Table, id string) (*Response, error) {
	return a.do(ctx, http.MethodGet, a.path(table, id), nil)
}

// Update puts a record.
func (a *HTTPAuthority) Update(ctx context.Context, table models.Table, id string, payload models.Record) (*Response, error) {
	return a.do(ctx, http.MethodPut, a.path(table, id), payload)
}

// Delete removes a record.
func (a *HTTPAuthority) Delete(ctx context.Context, table models.Table, id string, version int64) (*Response, error) {
	path := a.path(table, id)
	if version > 0 {
		path += "?version=" + strconv.FormatInt(version, 10)
	}
	return a.do(ctx, http.MethodDelete, path, nil)
}

// List fetches all records of a table.
func (a *HTTPAuthority) List(ctx context.Context, table models.Table) ([]models.Record, error) {
	status, body, err := a.send(ctx, http.MethodGet, a.path(table, ""), nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 || !gjson.GetBytes(body, "success").Bool() {
		return nil, apperrors.New(apperrors.ErrSyncFailed,
			fmt.Sprintf("list %s: HTTP %d: %s", table, status, gjson.GetBytes(body, "message").String()))
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, apperrors.New(apperrors.ErrSyncFailed, fmt.Sprintf("list %s: data is not an array", table))
	}

	var records []models.Record
	var decodeErr error
	data.ForEach(func(_, value gjson.Result) bool {
		rec, err := models.DecodeRecord([]byte(value.Raw))
		if err != nil {
			decodeErr = err
			return false
		}
		records = append(records, rec)
		return true
	})
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode %s records: %w", table, decodeErr)
	}
	return records, nil
}

// Ping checks the server health endpoint.
func (a *HTTPAuthority) Ping(ctx context.Context) error {
	status, _, err := a.send(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return err
	}
	if status >= 500 {
		return apperrors.New(apperrors.ErrSyncOffline, fmt.Sprintf("health check returned HTTP %d", status))
	}
	return nil
}

func (a *HTTPAuthority) path(table models.Table, id string) string {
	if id == "" {
		return "/api/" + string(table)
	}
	return "/api/" + string(table) + "/" + url.PathEscape(id)
}

// do performs a request and maps the envelope onto a Response.
func (a *HTTPAuthority) do(ctx context.Context, method, path string, payload models.Record) (*Response, error) {
	status, body, err := a.send(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StatusCode: status,
		Success:    status >= 200 && status < 300,
		Message:    gjson.GetBytes(body, "message").String(),
	}
	if v := gjson.GetBytes(body, "success"); v.Exists() {
		resp.Success = resp.Success && v.Bool()
	}

	switch status {
	case http.StatusConflict:
		resp.Conflict = true
	case http.StatusNotFound:
		resp.NotFound = true
	}

	if data := gjson.GetBytes(body, "data"); data.IsObject() {
		rec, err := models.DecodeRecord([]byte(data.Raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode response data: %w", err)
		}
		resp.Data = rec
	}
	if !resp.Success && resp.Message == "" {
		resp.Message = fmt.Sprintf("HTTP %d", status)
	}
	return resp, nil
}

// send executes the request and returns the status code and body.
func (a *HTTPAuthority) send(ctx context.Context, method, path string, payload models.Record) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.Token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, apperrors.Wrap(apperrors.ErrSyncTimeout, method+" "+path, ctx.Err())
		}
		return 0, nil, apperrors.Wrap(apperrors.ErrSyncOffline, method+" "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrSyncFailed, "read response body", err)
	}
	return resp.StatusCode, body, nil
}
