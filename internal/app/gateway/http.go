package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/invitewave/project/internal/app/campaign"
	"github.com/invitewave/project/internal/app/directory"
	"github.com/invitewave/project/internal/app/identity"
	"github.com/invitewave/project/internal/app/messages"
	platformauth "github.com/invitewave/project/internal/platform/auth"
	"github.com/invitewave/project/internal/realtime"
)

// ContactStore provisions a directory entry for a freshly registered account,
// so the contact is immediately addressable by broadcasts, and resolves the
// authenticated contact's own profile.
type ContactStore interface {
	Save(ctx context.Context, c directory.Contact) error
	Find(ctx context.Context, contactID string) (directory.Contact, error)
}

// MessageLister reads back the queued messages of a campaign's broadcasts.
type MessageLister interface {
	ListByCampaign(ctx context.Context, campaignID string) ([]messages.Message, error)
}

type Handler struct {
	Campaigns     *campaign.Service
	Identity      *identity.Service
	Registry      *realtime.Registry
	Contacts      ContactStore
	Messages      MessageLister
	AllowedOrigin string

	// PromoteCoordinators makes every self-registered contact a
	// coordinator. Only for development and load testing.
	PromoteCoordinators bool

	upgrader websocket.Upgrader
}

func NewHandler(campaigns *campaign.Service, identitySvc *identity.Service, registry *realtime.Registry, contacts ContactStore, allowedOrigin string) *Handler {
	return &Handler{
		Campaigns:     campaigns,
		Identity:      identitySvc,
		Registry:      registry,
		Contacts:      contacts,
		AllowedOrigin: allowedOrigin,
		upgrader:      newUpgrader(allowedOrigin),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/campaigns", h.handleCreateCampaign)
		authR.Get("/api/v1/campaigns", h.handleListCampaigns)
		authR.Get("/api/v1/campaigns/{campaignID}", h.handleGetCampaign)
		authR.Get("/api/v1/campaigns/{campaignID}/messages", h.handleListMessages)
		authR.Post("/api/v1/campaigns/{campaignID}/broadcast", h.handleBroadcast)
		authR.Post("/api/v1/campaigns/{campaignID}/rsvp", h.handleRSVP)
		authR.Get("/api/v1/me", h.handleMe)
		authR.Get("/api/v1/ws", h.handleWebsocket)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Region   string `json:"region"`
	Chapter  string `json:"chapter"`
	Role     string `json:"role"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type rsvpRequest struct {
	Response string `json:"response"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = resp.Username
	}
	contact := directory.Contact{
		ID:            resp.ContactID,
		Name:          name,
		Phone:         strings.TrimSpace(req.Phone),
		Region:        strings.TrimSpace(req.Region),
		Chapter:       strings.TrimSpace(req.Chapter),
		Role:          strings.TrimSpace(req.Role),
		IsCoordinator: h.PromoteCoordinators,
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.Contacts.Save(r.Context(), contact); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	req.CoordinatorID = claims.Subject

	c, err := h.Campaigns.CreateCampaign(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrTitleRequired), errors.Is(err, campaign.ErrInvalidCapacity), errors.Is(err, campaign.ErrSenderRequired):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, campaign.ErrForbidden):
			h.writeError(w, http.StatusForbidden, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	campaigns, err := h.Campaigns.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

func (h *Handler) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Campaigns.Get(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// handleListMessages returns a campaign's queued broadcast messages; only
// the campaign's coordinator may read them.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	c, err := h.Campaigns.Get(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	claims := claimsFromContext(r.Context())
	if claims.Subject != c.CoordinatorID {
		h.writeError(w, http.StatusForbidden, "only the campaign coordinator may list messages")
		return
	}

	msgs, err := h.Messages.ListByCampaign(r.Context(), c.ID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleMe returns the directory contact of the authenticated account.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	contact, err := h.Contacts.Find(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, contact)
}

func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req campaign.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	req.SenderID = claims.Subject

	result, err := h.Campaigns.Broadcast(r.Context(), chi.URLParam(r, "campaignID"), req)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "campaign not found")
		case errors.Is(err, campaign.ErrForbidden):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, campaign.ErrNoRecipients), errors.Is(err, campaign.ErrSenderRequired):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRSVP(w http.ResponseWriter, r *http.Request) {
	var req rsvpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())

	outcome, err := h.Campaigns.RSVP(r.Context(), chi.URLParam(r, "campaignID"), claims.Subject, req.Response)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "campaign not found")
		case errors.Is(err, campaign.ErrInvalidResponse):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

// authMiddleware accepts the access token as a bearer header or, for
// websocket clients that cannot set headers, a token query parameter.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
