package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/neurallog/kek-custody/api/handlers"
	"github.com/neurallog/kek-custody/interfaces"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DirectoryClient talks to the directory REST API on behalf of one bearer
// token. It implements interfaces.Directory.
type DirectoryClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ interfaces.Directory = (*DirectoryClient)(nil)

type ClientOption func(*DirectoryClient)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(d *DirectoryClient) { d.httpClient = c }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(d *DirectoryClient) { d.httpClient.Timeout = timeout }
}

// NewDirectoryClient creates a client for the directory at baseURL
// (e.g. "https://directory.example.com/api/v1").
func NewDirectoryClient(baseURL, token string, opts ...ClientOption) *DirectoryClient {
	c := &DirectoryClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *DirectoryClient) ListKEKVersions(ctx context.Context) ([]interfaces.KEKVersion, error) {
	var out []interfaces.KEKVersion
	return out, c.do(ctx, http.MethodGet, "/kek/versions", nil, &out)
}

func (c *DirectoryClient) CreateKEKVersion(ctx context.Context, req interfaces.VersionRequest) (interfaces.KEKVersion, error) {
	var out interfaces.KEKVersion
	return out, c.do(ctx, http.MethodPost, "/kek/versions", req, &out)
}

func (c *DirectoryClient) RotateKEK(ctx context.Context, req interfaces.VersionRequest) (interfaces.KEKVersion, error) {
	var out interfaces.KEKVersion
	return out, c.do(ctx, http.MethodPost, "/kek/rotate", req, &out)
}

func (c *DirectoryClient) RecoverKEK(ctx context.Context, req interfaces.VersionRequest) (interfaces.KEKVersion, error) {
	var out interfaces.KEKVersion
	return out, c.do(ctx, http.MethodPost, "/kek/recover", req, &out)
}

func (c *DirectoryClient) RetireKEKVersion(ctx context.Context, versionID string) (interfaces.KEKVersion, error) {
	var out interfaces.KEKVersion
	return out, c.do(ctx, http.MethodPost, "/kek/versions/"+url.PathEscape(versionID)+"/retire", nil, &out)
}

func (c *DirectoryClient) Provision(ctx context.Context, req interfaces.ProvisionRequest) error {
	return c.do(ctx, http.MethodPost, "/kek/provision", req, nil)
}

func (c *DirectoryClient) ListOwnBlobs(ctx context.Context) ([]interfaces.KEKBlob, error) {
	var out []interfaces.KEKBlob
	return out, c.do(ctx, http.MethodGet, "/kek/blobs", nil, &out)
}

func (c *DirectoryClient) PutMasterBlob(ctx context.Context, versionID, blob string) error {
	return c.do(ctx, http.MethodPut, "/kek/versions/"+url.PathEscape(versionID)+"/master-blob", handlers.MasterBlobBody{Blob: blob}, nil)
}

func (c *DirectoryClient) GetMasterBlob(ctx context.Context, versionID string) (string, error) {
	var out handlers.MasterBlobBody
	err := c.do(ctx, http.MethodGet, "/kek/versions/"+url.PathEscape(versionID)+"/master-blob", nil, &out)
	return out.Blob, err
}

func (c *DirectoryClient) WhoAmI(ctx context.Context) (interfaces.User, error) {
	var out interfaces.User
	return out, c.do(ctx, http.MethodGet, "/users/me", nil, &out)
}

func (c *DirectoryClient) ListUsers(ctx context.Context) ([]interfaces.User, error) {
	var out []interfaces.User
	return out, c.do(ctx, http.MethodGet, "/users", nil, &out)
}

func (c *DirectoryClient) ListAdmins(ctx context.Context) ([]interfaces.User, error) {
	var out []interfaces.User
	return out, c.do(ctx, http.MethodGet, "/users?isAdmin=true", nil, &out)
}

func (c *DirectoryClient) UploadPublicKey(ctx context.Context, publicKeyPEM []byte) error {
	return c.do(ctx, http.MethodPut, "/users/me/public-key", handlers.PublicKeyBody{PublicKey: string(publicKeyPEM)}, nil)
}

func (c *DirectoryClient) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	var out handlers.PublicKeyBody
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/public-key", nil, &out); err != nil {
		return nil, err
	}
	return []byte(out.PublicKey), nil
}

func (c *DirectoryClient) CreatePromotion(ctx context.Context, req interfaces.CreatePromotionRequest) (interfaces.AdminPromotionRequest, error) {
	var out interfaces.AdminPromotionRequest
	return out, c.do(ctx, http.MethodPost, "/admin/promotions", req, &out)
}

func (c *DirectoryClient) ListPendingPromotions(ctx context.Context) ([]interfaces.AdminPromotionRequest, error) {
	var out []interfaces.AdminPromotionRequest
	return out, c.do(ctx, http.MethodGet, "/admin/promotions/pending", nil, &out)
}

func (c *DirectoryClient) GetPromotionShare(ctx context.Context, requestID string) (string, interfaces.PromotionStatus, error) {
	var out handlers.ShareResponse
	err := c.do(ctx, http.MethodGet, "/admin/promotions/"+url.PathEscape(requestID)+"/share", nil, &out)
	return out.EncryptedShare, out.Status, err
}

func (c *DirectoryClient) ApprovePromotion(ctx context.Context, requestID string, expected interfaces.PromotionStatus) (interfaces.AdminPromotionRequest, error) {
	var out interfaces.AdminPromotionRequest
	return out, c.do(ctx, http.MethodPost, "/admin/promotions/"+url.PathEscape(requestID)+"/approve", handlers.DecisionBody{ExpectedStatus: expected}, &out)
}

func (c *DirectoryClient) RejectPromotion(ctx context.Context, requestID string, expected interfaces.PromotionStatus) (interfaces.AdminPromotionRequest, error) {
	var out interfaces.AdminPromotionRequest
	return out, c.do(ctx, http.MethodPost, "/admin/promotions/"+url.PathEscape(requestID)+"/reject", handlers.DecisionBody{ExpectedStatus: expected}, &out)
}

func (c *DirectoryClient) CreateRecoverySession(ctx context.Context, versionID string, threshold int, reason string) (interfaces.RecoverySession, error) {
	var out interfaces.RecoverySession
	body := handlers.CreateRecoveryBody{VersionID: versionID, Threshold: threshold, Reason: reason}
	return out, c.do(ctx, http.MethodPost, "/kek/recovery", body, &out)
}

func (c *DirectoryClient) GetRecoverySession(ctx context.Context, sessionID string) (interfaces.RecoverySession, error) {
	var out interfaces.RecoverySession
	return out, c.do(ctx, http.MethodGet, "/kek/recovery/"+url.PathEscape(sessionID), nil, &out)
}

func (c *DirectoryClient) TransitionRecoverySession(ctx context.Context, sessionID string, tr interfaces.RecoveryTransition) (interfaces.RecoverySession, error) {
	var out interfaces.RecoverySession
	return out, c.do(ctx, http.MethodPost, "/kek/recovery/"+url.PathEscape(sessionID)+"/transition", tr, &out)
}

func (c *DirectoryClient) ListLogKeys(ctx context.Context) ([]interfaces.LogKeyRecord, error) {
	var out []interfaces.LogKeyRecord
	return out, c.do(ctx, http.MethodGet, "/logs/keys", nil, &out)
}

func (c *DirectoryClient) PutLogKey(ctx context.Context, rec interfaces.LogKeyRecord) error {
	return c.do(ctx, http.MethodPut, "/logs/"+url.PathEscape(rec.LogName)+"/key", rec, nil)
}

func (c *DirectoryClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", interfaces.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", interfaces.ErrTransport, path, err)
	}
	return nil
}

var codeErrors = map[string]error{
	handlers.CodeValidation:      interfaces.ErrValidation,
	handlers.CodeUnauthorized:    interfaces.ErrAuthorization,
	handlers.CodeForbidden:       interfaces.ErrAuthorization,
	handlers.CodeNotFound:        interfaces.ErrNotFound,
	handlers.CodeConflict:        interfaces.ErrConflict,
	handlers.CodeAlreadyResolved: interfaces.ErrAlreadyResolved,
	handlers.CodeSessionExpired:  interfaces.ErrSessionExpired,
	handlers.CodeInvalidState:    interfaces.ErrInvalidState,
}

// decodeError rebuilds the sentinel behind an error response. Server
// failures and unrecognized bodies are transport errors.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e handlers.ErrorResponse
	if jsonErr := json.Unmarshal(data, &e); jsonErr != nil || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", interfaces.ErrTransport, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if sentinel, ok := codeErrors[e.Code]; ok {
		return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(e.Error, sentinel.Error()+": "))
	}
	return fmt.Errorf("%w: status %d: %s", interfaces.ErrTransport, resp.StatusCode, e.Error)
}

// IsTransport reports whether err means the directory could not be reached.
func IsTransport(err error) bool {
	return errors.Is(err, interfaces.ErrTransport)
}
