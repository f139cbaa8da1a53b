// Package apikeys implements the HTTP handlers for the credential lifecycle
// operations. Handlers translate between the JSON wire shapes and the domain
// service; all semantics (provisioning, validation ordering, status
// derivation) live in internal/keys.
package apikeys

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/credential-registry/credential-registry/internal/keys"
)

// KeyService is the slice of the domain service the handlers consume.
type KeyService interface {
	CreateKey(ctx context.Context, p keys.CreateKeyParams) (*keys.CreateKeyResult, error)
	ValidateKey(ctx context.Context, clientID, clientSecret, rawKey string) (*keys.ValidateResult, error)
	UpdateKey(ctx context.Context, id int64, p keys.UpdateKeyParams) (*keys.KeyProjection, error)
	RemoveKey(ctx context.Context, id int64, deletedBy string) (*keys.RemoveKeyResult, error)
	ListKeys(ctx context.Context, p keys.ListParams) (*keys.ListKeysResult, error)
}

// Handlers holds the API key endpoints.
type Handlers struct {
	svc KeyService
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc KeyService) *Handlers {
	return &Handlers{svc: svc}
}

const defaultPageLimit = 20

// statusFor maps domain error codes to HTTP status codes.
func statusFor(code string) int {
	switch code {
	case keys.CodeInvalidRequest:
		return http.StatusBadRequest
	case keys.CodeInvalidClientID, keys.CodeInvalidClientSecret,
		keys.CodeKeyExpired, keys.CodeServiceAccountDeleted:
		return http.StatusUnauthorized
	case keys.CodeKeyNotFound:
		return http.StatusNotFound
	case keys.CodeKeyAlreadyDeleted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the coded error body. Internal detail never leaves the
// process: 5xx responses carry a generic message and the cause goes to the log.
func respondError(c *gin.Context, err error) {
	code := keys.CodeOf(err)
	status := statusFor(code)

	message := "internal server error"
	if status != http.StatusInternalServerError {
		var coded *keys.Error
		if errors.As(err, &coded) {
			message = coded.Message
		}
	} else {
		slog.Error("request failed",
			"code", code,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// parseRFC3339 parses an optional RFC3339 timestamp field.
func parseRFC3339(s *string) (*time.Time, bool) {
	if s == nil {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, false
	}
	return &parsed, true
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// CreateKeyRequest is the request to create a new API key.
type CreateKeyRequest struct {
	OwnerID     string  `json:"owner_id" binding:"required"`
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
	ExpiresAt   *string `json:"expires_at"` // RFC3339 format
}

// CreateKeyResponse carries the full credential set. The api_key and
// client_secret values are only returned in reversible form here.
type CreateKeyResponse struct {
	KeyID        int64      `json:"key_id"`
	APIKey       string     `json:"api_key"`
	ClientID     string     `json:"client_id"`
	ClientSecret string     `json:"client_secret"`
	Name         string     `json:"name"`
	Description  *string    `json:"description"`
	IsActive     bool       `json:"is_active"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// CreateKeyHandler creates an API key, provisioning the owner's service
// account on first use.
// POST /v1/keys
func (h *Handlers) CreateKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": keys.CodeInvalidRequest, "message": "invalid request body"},
			})
			return
		}

		expiresAt, ok := parseRFC3339(req.ExpiresAt)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": keys.CodeInvalidRequest, "message": "invalid expires_at format, use RFC3339"},
			})
			return
		}

		result, err := h.svc.CreateKey(c.Request.Context(), keys.CreateKeyParams{
			OwnerID:     req.OwnerID,
			Name:        req.Name,
			Description: req.Description,
			IsActive:    req.IsActive,
			ExpiresAt:   expiresAt,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, CreateKeyResponse{
			KeyID:        result.KeyID,
			APIKey:       result.RawKey, // only returned once
			ClientID:     result.ClientID,
			ClientSecret: result.ClientSecret,
			Name:         result.Name,
			Description:  result.Description,
			IsActive:     result.IsActive,
			Status:       string(result.Status),
			CreatedAt:    result.CreatedAt,
			ExpiresAt:    result.ExpiresAt,
		})
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

// ValidateKeyRequest carries the full credential triple.
type ValidateKeyRequest struct {
	ClientID     string `json:"client_id" binding:"required"`
	ClientSecret string `json:"client_secret" binding:"required"`
	APIKey       string `json:"api_key" binding:"required"`
}

// ValidateKeyResponse is the success payload of validation.
type ValidateKeyResponse struct {
	Valid       bool       `json:"valid"`
	KeyID       int64      `json:"key_id"`
	OwnerID     string     `json:"owner_id"`
	ClientID    string     `json:"client_id"`
	Status      string     `json:"status"`
	ExpiryState string     `json:"expiry_state"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// ValidateKeyHandler runs the two-factor validation protocol.
// POST /v1/keys/validate
func (h *Handlers) ValidateKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ValidateKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": keys.CodeInvalidRequest, "message": "client_id, client_secret and api_key are required"},
			})
			return
		}

		result, err := h.svc.ValidateKey(c.Request.Context(), req.ClientID, req.ClientSecret, req.APIKey)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, ValidateKeyResponse{
			Valid:       true,
			KeyID:       result.KeyID,
			OwnerID:     result.OwnerID,
			ClientID:    result.ClientID,
			Status:      string(result.Status),
			ExpiryState: result.ExpiryState,
			ExpiresAt:   result.ExpiresAt,
		})
	}
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

// UpdateKeyRequest carries the mutable fields; at least one must be set.
type UpdateKeyRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
	ExpiresAt   *string `json:"expires_at"` // RFC3339 format
	UpdatedBy   string  `json:"updated_by"`
}

// KeyResponse is the read projection returned by update.
type KeyResponse struct {
	KeyID       int64      `json:"key_id"`
	ClientID    string     `json:"client_id"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	IsActive    bool       `json:"is_active"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// UpdateKeyHandler applies a partial update to a live key.
// PATCH /v1/keys/:id
func (h *Handlers) UpdateKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": keys.CodeInvalidRequest, "message": "key id must be an integer"},
			})
			return
		}

		var req UpdateKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": keys.CodeInvalidRequest, "message": "invalid request body"},
			})
			return
		}

		expiresAt, ok := parseRFC3339(req.ExpiresAt)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": keys.CodeInvalidRequest, "message": "invalid expires_at format, use RFC3339"},
			})
			return
		}

		updatedBy := req.UpdatedBy
		if updatedBy == "" {
			updatedBy = c.GetHeader("X-Actor")
		}

		result, err := h.svc.UpdateKey(c.Request.Context(), id, keys.UpdateKeyParams{
			Name:        req.Name,
			Description: req.Description,
			IsActive:    req.IsActive,
			ExpiresAt:   expiresAt,
			UpdatedBy:   updatedBy,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, KeyResponse{
			KeyID:       result.KeyID,
			ClientID:    result.ClientID,
			Name:        result.Name,
			Description: result.Description,
			IsActive:    result.IsActive,
			Status:      string(result.Status),
			CreatedAt:   result.CreatedAt,
			UpdatedAt:   result.UpdatedAt,
			ExpiresAt:   result.ExpiresAt,
		})
	}
}

// ---------------------------------------------------------------------------
// Remove
// ---------------------------------------------------------------------------

// RemoveKeyRequest names the actor performing the removal. The body is
// optional; the X-Actor header is an alternative carrier.
type RemoveKeyRequest struct {
	DeletedBy string `json:"deleted_by"`
}

// RemoveKeyResponse confirms the soft delete.
type RemoveKeyResponse struct {
	KeyID     int64     `json:"key_id"`
	ClientID  string    `json:"client_id"`
	Status    string    `json:"status"`
	DeletedAt time.Time `json:"deleted_at"`
	DeletedBy string    `json:"deleted_by"`
}

// RemoveKeyHandler soft-deletes a key. Removing an already-removed key is a
// conflict.
// DELETE /v1/keys/:id
func (h *Handlers) RemoveKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": keys.CodeInvalidRequest, "message": "key id must be an integer"},
			})
			return
		}

		var req RemoveKeyRequest
		_ = c.ShouldBindJSON(&req) // body is optional

		deletedBy := req.DeletedBy
		if deletedBy == "" {
			deletedBy = c.GetHeader("X-Actor")
		}

		result, err := h.svc.RemoveKey(c.Request.Context(), id, deletedBy)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, RemoveKeyResponse{
			KeyID:     result.KeyID,
			ClientID:  result.ClientID,
			Status:    string(result.Status),
			DeletedAt: result.DeletedAt,
			DeletedBy: result.DeletedBy,
		})
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

// ListItemResponse is one key in a listing. The linked account's
// client_secret is re-exposed here; listings double as a credential recovery
// surface.
type ListItemResponse struct {
	KeyID        int64      `json:"key_id"`
	ClientID     string     `json:"client_id"`
	ClientSecret string     `json:"client_secret"`
	Name         string     `json:"name"`
	Description  *string    `json:"description"`
	IsActive     bool       `json:"is_active"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// ListKeysResponse pairs the page with its pagination envelope.
type ListKeysResponse struct {
	Keys       []ListItemResponse `json:"keys"`
	Pagination keys.Pagination    `json:"pagination"`
}

// ListKeysHandler executes a filtered, paginated listing.
// GET /v1/keys
func (h *Handlers) ListKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, ok := intQuery(c, "page", 1)
		if !ok {
			return
		}
		limit, ok := intQuery(c, "limit", defaultPageLimit)
		if !ok {
			return
		}

		result, err := h.svc.ListKeys(c.Request.Context(), keys.ListParams{
			ClientID:       c.Query("client_id"),
			Status:         c.Query("status"),
			Search:         c.Query("search"),
			Page:           page,
			Limit:          limit,
			SortBy:         c.Query("sort_by"),
			SortOrder:      c.Query("sort_order"),
			IncludeDeleted: c.Query("include_deleted") == "true",
		})
		if err != nil {
			respondError(c, err)
			return
		}

		items := make([]ListItemResponse, 0, len(result.Keys))
		for _, k := range result.Keys {
			items = append(items, ListItemResponse{
				KeyID:        k.KeyID,
				ClientID:     k.ClientID,
				ClientSecret: k.ClientSecret,
				Name:         k.Name,
				Description:  k.Description,
				IsActive:     k.IsActive,
				Status:       string(k.Status),
				CreatedAt:    k.CreatedAt,
				UpdatedAt:    k.UpdatedAt,
				ExpiresAt:    k.ExpiresAt,
				DeletedAt:    k.DeletedAt,
			})
		}

		c.JSON(http.StatusOK, ListKeysResponse{
			Keys:       items,
			Pagination: result.Pagination,
		})
	}
}

// intQuery parses an optional integer query parameter, writing a 400 response
// and returning ok=false when the value is present but not an integer.
func intQuery(c *gin.Context, name string, fallback int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": keys.CodeInvalidRequest, "message": name + " must be an integer"},
		})
		return 0, false
	}
	return v, true
}
