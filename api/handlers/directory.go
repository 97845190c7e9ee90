package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/neurallog/kek-custody/api/auth"
	"github.com/neurallog/kek-custody/directory"
	"github.com/neurallog/kek-custody/interfaces"
)

const maxBodyBytes = 1 << 20

// Error codes of the JSON error body.
const (
	CodeValidation      = "validation"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeAlreadyResolved = "already_resolved"
	CodeSessionExpired  = "session_expired"
	CodeInvalidState    = "invalid_state"
	CodeInternal        = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type PublicKeyBody struct {
	PublicKey string `json:"publicKey"`
}

type MasterBlobBody struct {
	Blob string `json:"blob"`
}

type DecisionBody struct {
	// ExpectedStatus defaults to pending when omitted.
	ExpectedStatus interfaces.PromotionStatus `json:"expectedStatus,omitempty"`
}

type ShareResponse struct {
	EncryptedShare string                     `json:"encryptedShare"`
	Status         interfaces.PromotionStatus `json:"status"`
}

type CreateRecoveryBody struct {
	VersionID string `json:"versionId"`
	Threshold int    `json:"threshold"`
	Reason    string `json:"reason"`
}

// DirectoryHandler serves the tenant-scoped REST API. Routes must be mounted
// behind auth.AuthRequired.
type DirectoryHandler struct {
	svc *directory.Service
	log *slog.Logger
}

func NewDirectoryHandler(svc *directory.Service, log *slog.Logger) *DirectoryHandler {
	return &DirectoryHandler{svc: svc, log: log}
}

func (h *DirectoryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/users", h.handleListUsers)
	r.Get("/users/me", h.handleWhoAmI)
	r.Put("/users/me/public-key", h.handleUploadPublicKey)
	r.Get("/users/{id}/public-key", h.handleGetPublicKey)

	r.Get("/kek/versions", h.handleListVersions)
	r.Post("/kek/versions", h.versionHandler(directory.VersionCreate))
	r.Post("/kek/rotate", h.versionHandler(directory.VersionRotate))
	r.Post("/kek/recover", h.versionHandler(directory.VersionRecover))
	r.Post("/kek/versions/{id}/retire", h.handleRetire)
	r.Get("/kek/versions/{id}/master-blob", h.handleGetMasterBlob)
	r.Put("/kek/versions/{id}/master-blob", h.handlePutMasterBlob)
	r.Post("/kek/provision", h.handleProvision)
	r.Get("/kek/blobs", h.handleListBlobs)

	r.Post("/admin/promotions", h.handleCreatePromotion)
	r.Get("/admin/promotions/pending", h.handleListPending)
	r.Get("/admin/promotions/{id}/share", h.handleGetShare)
	r.Post("/admin/promotions/{id}/approve", h.handleApprove)
	r.Post("/admin/promotions/{id}/reject", h.handleReject)

	r.Post("/kek/recovery", h.handleCreateRecovery)
	r.Get("/kek/recovery/{id}", h.handleGetRecovery)
	r.Post("/kek/recovery/{id}/transition", h.handleTransitionRecovery)

	r.Get("/logs/keys", h.handleListLogKeys)
	r.Put("/logs/{name}/key", h.handlePutLogKey)
}

func (h *DirectoryHandler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	users, err := h.svc.ListUsers(r.Context(), p, r.URL.Query().Get("isAdmin") == "true")
	h.respond(w, r, users, err)
}

func (h *DirectoryHandler) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.WhoAmI(r.Context(), principal(r))
	h.respond(w, r, u, err)
}

func (h *DirectoryHandler) handleUploadPublicKey(w http.ResponseWriter, r *http.Request) {
	var body PublicKeyBody
	if !h.decode(w, r, &body) {
		return
	}
	err := h.svc.UploadPublicKey(r.Context(), principal(r), []byte(body.PublicKey))
	h.respondEmpty(w, r, err)
}

func (h *DirectoryHandler) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	pub, err := h.svc.GetPublicKey(r.Context(), principal(r), param(r, "id"))
	h.respond(w, r, PublicKeyBody{PublicKey: string(pub)}, err)
}

func (h *DirectoryHandler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.svc.ListKEKVersions(r.Context(), principal(r))
	h.respond(w, r, versions, err)
}

func (h *DirectoryHandler) versionHandler(kind directory.VersionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req interfaces.VersionRequest
		if !h.decode(w, r, &req) {
			return
		}
		v, err := h.svc.CreateVersion(r.Context(), principal(r), kind, req)
		h.respondStatus(w, r, http.StatusCreated, v, err)
	}
}

func (h *DirectoryHandler) handleRetire(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.RetireVersion(r.Context(), principal(r), param(r, "id"))
	h.respond(w, r, v, err)
}

func (h *DirectoryHandler) handleGetMasterBlob(w http.ResponseWriter, r *http.Request) {
	blob, err := h.svc.GetMasterBlob(r.Context(), principal(r), param(r, "id"))
	h.respond(w, r, MasterBlobBody{Blob: blob}, err)
}

func (h *DirectoryHandler) handlePutMasterBlob(w http.ResponseWriter, r *http.Request) {
	var body MasterBlobBody
	if !h.decode(w, r, &body) {
		return
	}
	err := h.svc.PutMasterBlob(r.Context(), principal(r), param(r, "id"), body.Blob)
	h.respondEmpty(w, r, err)
}

func (h *DirectoryHandler) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req interfaces.ProvisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondEmpty(w, r, h.svc.Provision(r.Context(), principal(r), req))
}

func (h *DirectoryHandler) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	blobs, err := h.svc.ListOwnBlobs(r.Context(), principal(r))
	h.respond(w, r, blobs, err)
}

func (h *DirectoryHandler) handleCreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req interfaces.CreatePromotionRequest
	if !h.decode(w, r, &req) {
		return
	}
	pr, err := h.svc.CreatePromotion(r.Context(), principal(r), req)
	h.respondStatus(w, r, http.StatusCreated, pr, err)
}

func (h *DirectoryHandler) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.ListPendingPromotions(r.Context(), principal(r))
	h.respond(w, r, pending, err)
}

func (h *DirectoryHandler) handleGetShare(w http.ResponseWriter, r *http.Request) {
	ct, status, err := h.svc.GetPromotionShare(r.Context(), principal(r), param(r, "id"))
	h.respond(w, r, ShareResponse{EncryptedShare: ct, Status: status}, err)
}

func (h *DirectoryHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	expected, ok := h.decodeDecision(w, r)
	if !ok {
		return
	}
	pr, err := h.svc.ApprovePromotion(r.Context(), principal(r), param(r, "id"), expected)
	h.respond(w, r, pr, err)
}

func (h *DirectoryHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	expected, ok := h.decodeDecision(w, r)
	if !ok {
		return
	}
	pr, err := h.svc.RejectPromotion(r.Context(), principal(r), param(r, "id"), expected)
	h.respond(w, r, pr, err)
}

func (h *DirectoryHandler) decodeDecision(w http.ResponseWriter, r *http.Request) (interfaces.PromotionStatus, bool) {
	var body DecisionBody
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return "", false
	}
	if body.ExpectedStatus == "" {
		body.ExpectedStatus = interfaces.PromotionPending
	}
	return body.ExpectedStatus, true
}

func (h *DirectoryHandler) handleCreateRecovery(w http.ResponseWriter, r *http.Request) {
	var body CreateRecoveryBody
	if !h.decode(w, r, &body) {
		return
	}
	session, err := h.svc.CreateRecoverySession(r.Context(), principal(r), body.VersionID, body.Threshold, body.Reason)
	h.respondStatus(w, r, http.StatusCreated, session, err)
}

func (h *DirectoryHandler) handleGetRecovery(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.GetRecoverySession(r.Context(), principal(r), param(r, "id"))
	h.respond(w, r, session, err)
}

func (h *DirectoryHandler) handleTransitionRecovery(w http.ResponseWriter, r *http.Request) {
	var tr interfaces.RecoveryTransition
	if !h.decode(w, r, &tr) {
		return
	}
	session, err := h.svc.TransitionRecoverySession(r.Context(), principal(r), param(r, "id"), tr)
	h.respond(w, r, session, err)
}

func (h *DirectoryHandler) handleListLogKeys(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListLogKeys(r.Context(), principal(r))
	h.respond(w, r, recs, err)
}

func (h *DirectoryHandler) handlePutLogKey(w http.ResponseWriter, r *http.Request) {
	var rec interfaces.LogKeyRecord
	if !h.decode(w, r, &rec) {
		return
	}
	rec.LogName = param(r, "name")
	h.respondEmpty(w, r, h.svc.PutLogKey(r.Context(), principal(r), rec))
}

// param returns a decoded path parameter. chi matches on the raw path, so
// escaped slashes arrive still encoded.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func principal(r *http.Request) interfaces.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func (h *DirectoryHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body: %v", interfaces.ErrValidation, err))
		return false
	}
	return true
}

func (h *DirectoryHandler) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	h.respondStatus(w, r, http.StatusOK, v, err)
}

func (h *DirectoryHandler) respondStatus(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *DirectoryHandler) respondEmpty(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DirectoryHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "Directory request failed", slog.String("path", r.URL.Path), "err", err)
		msg = "internal server error"
	} else {
		h.log.DebugContext(r.Context(), "Directory request rejected", slog.String("path", r.URL.Path), slog.String("code", code), "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: code})
}

// classify maps the error taxonomy onto HTTP. More specific sentinels are
// checked before the ones they wrap.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, interfaces.ErrAlreadyResolved):
		return http.StatusConflict, CodeAlreadyResolved
	case errors.Is(err, interfaces.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, interfaces.ErrSessionExpired):
		return http.StatusGone, CodeSessionExpired
	case errors.Is(err, interfaces.ErrInvalidState):
		return http.StatusUnprocessableEntity, CodeInvalidState
	case errors.Is(err, interfaces.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, interfaces.ErrAuthorization):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	}
	return http.StatusInternalServerError, CodeInternal
}
