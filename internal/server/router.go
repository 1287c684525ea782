package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dealdesk/collab-sync/internal/auth"
	"github.com/dealdesk/collab-sync/internal/docstore"
	"github.com/dealdesk/collab-sync/internal/identity"
	"github.com/dealdesk/collab-sync/internal/presence"
	"github.com/dealdesk/collab-sync/internal/room"
	"github.com/dealdesk/collab-sync/internal/versions"
)

const (
	claimsContextKey     = "collab_session_claims"
	internalSecretHeader = "X-Internal-Secret"
)

var (
	errMissingSessions      = errors.New("session authenticator dependency required")
	errMissingCoordinator   = errors.New("room coordinator dependency required")
	errMissingVersions      = errors.New("version service dependency required")
	errMissingPresence      = errors.New("presence tracker dependency required")
	errMissingCollaborators = errors.New("collaborator registry dependency required")
)

// SessionAuthenticator resolves and validates session tokens on requests.
// auth.SessionValidator satisfies it.
type SessionAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	TokenFromRequest(r *http.Request) (string, error)
}

// Dependencies wires the HTTP surface to the underlying services.
// InternalSecret guards the scheduler-only endpoints; when empty they are
// not registered.
type Dependencies struct {
	Sessions       SessionAuthenticator
	Coordinator    *room.Coordinator
	Versions       *versions.Service
	Presence       *presence.Tracker
	Collaborators  *identity.Service
	Logger         *zap.Logger
	InternalSecret string
}

// NewHTTPHandler builds the router: the websocket sync endpoint, the version
// history and presence REST surface, and the internal maintenance hooks.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Versions == nil {
		return nil, errMissingVersions
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Collaborators == nil {
		return nil, errMissingCollaborators
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:       deps.Sessions,
		coordinator:    deps.Coordinator,
		versions:       deps.Versions,
		presence:       deps.Presence,
		collaborators:  deps.Collaborators,
		logger:         logger,
		internalSecret: deps.InternalSecret,
	}

	// The sync endpoint authenticates through the coordinator so that a
	// rejected token never creates room state.
	router.GET("/sync/:documentID", handler.handleSync)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents/:documentID/versions", handler.handleListVersions)
	protected.POST("/documents/:documentID/versions", handler.handleSaveVersion)
	protected.GET("/documents/:documentID/versions/count", handler.handleVersionCount)
	protected.GET("/documents/:documentID/versions/:versionNumber", handler.handleGetVersion)
	protected.POST("/documents/:documentID/versions/:versionNumber/restore", handler.handleRestoreVersion)
	protected.GET("/presence/:resourceType/:resourceID", handler.handleActiveUsers)
	protected.POST("/presence/heartbeat", handler.handleHeartbeat)
	protected.DELETE("/presence/:resourceType/:resourceID", handler.handleLeave)

	if deps.InternalSecret != "" {
		router.POST("/internal/presence/cleanup", handler.handlePresenceCleanup)
	}

	return router, nil
}

type httpHandler struct {
	sessions       SessionAuthenticator
	coordinator    *room.Coordinator
	versions       *versions.Service
	presence       *presence.Tracker
	collaborators  *identity.Service
	logger         *zap.Logger
	internalSecret string
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, exists := c.Get(claimsContextKey)
	if !exists {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

type versionPayload struct {
	VersionNumber     int64  `json:"version_number"`
	Content           string `json:"content"`
	Markdown          string `json:"markdown,omitempty"`
	CreatedBy         string `json:"created_by,omitempty"`
	ChangeDescription string `json:"change_description,omitempty"`
	CreatedAtSeconds  int64  `json:"created_at_s"`
}

func renderVersion(version versions.DocumentVersion) versionPayload {
	return versionPayload{
		VersionNumber:     version.VersionNumber,
		Content:           version.Content,
		Markdown:          version.Markdown,
		CreatedBy:         version.CreatedBy,
		ChangeDescription: version.ChangeDesc,
		CreatedAtSeconds:  version.CreatedAtSeconds,
	}
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	records, err := h.versions.ListVersions(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("failed to list versions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]versionPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, renderVersion(record))
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

type saveVersionRequest struct {
	Content           string `json:"content"`
	Markdown          string `json:"markdown"`
	ChangeDescription string `json:"change_description"`
}

func (h *httpHandler) handleSaveVersion(c *gin.Context) {
	claims, ok := h.sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	var request saveVersionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	number, err := h.versions.SaveVersion(c.Request.Context(), versions.SaveRequest{
		DocumentID:        documentID,
		Content:           request.Content,
		Markdown:          request.Markdown,
		CreatedBy:         claims.UserID,
		ChangeDescription: request.ChangeDescription,
	})
	if err != nil {
		if errors.Is(err, versions.ErrEmptyContent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty_content"})
			return
		}
		h.logger.Error("failed to save version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"version_number": number.Int64()})
}

func (h *httpHandler) handleVersionCount(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	count, err := h.versions.VersionCount(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("failed to count versions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	number, ok := h.pathVersionNumber(c)
	if !ok {
		return
	}
	record, err := h.versions.GetVersion(c.Request.Context(), documentID, number)
	if err != nil {
		if errors.Is(err, versions.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
			return
		}
		h.logger.Error("failed to load version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	c.JSON(http.StatusOK, renderVersion(*record))
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	claims, ok := h.sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	number, ok := h.pathVersionNumber(c)
	if !ok {
		return
	}
	result, err := h.versions.RestoreVersion(c.Request.Context(), documentID, number, claims.UserID)
	if err != nil {
		if errors.Is(err, versions.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
			return
		}
		h.logger.Error("failed to restore version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restore_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"restored_version": result.RestoredVersion.Int64(),
		"new_version":      result.NewVersion.Int64(),
	})
}

type presenceEntryPayload struct {
	UserID              string           `json:"user_id"`
	UserName            string           `json:"user_name,omitempty"`
	UserColor           string           `json:"user_color,omitempty"`
	Cursor              *presence.Cursor `json:"cursor,omitempty"`
	LastActiveAtSeconds int64            `json:"last_active_at_s"`
}

func (h *httpHandler) handleActiveUsers(c *gin.Context) {
	resourceType, resourceID, ok := h.pathResource(c)
	if !ok {
		return
	}
	entries, err := h.presence.ActiveUsers(c.Request.Context(), resourceType, resourceID)
	if err != nil {
		h.logger.Error("failed to list active users", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}
	payload := make([]presenceEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, presenceEntryPayload{
			UserID:              entry.UserID,
			UserName:            entry.UserName,
			UserColor:           entry.UserColor,
			Cursor:              entry.Cursor(),
			LastActiveAtSeconds: entry.LastActiveAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": payload})
}

type heartbeatRequestPayload struct {
	ResourceType string           `json:"resource_type"`
	ResourceID   string           `json:"resource_id"`
	Cursor       *presence.Cursor `json:"cursor"`
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	claims, ok := h.sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request heartbeatRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	heartbeat, err := h.buildHeartbeat(claims, request.ResourceType, request.ResourceID, request.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resource"})
		return
	}
	if err := h.presence.Heartbeat(c.Request.Context(), heartbeat); err != nil {
		h.logger.Error("failed to record heartbeat", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	claims, ok := h.sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	resourceType, resourceID, ok := h.pathResource(c)
	if !ok {
		return
	}
	userID, err := presence.NewUserID(claims.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}
	if err := h.presence.Leave(c.Request.Context(), resourceType, resourceID, userID); err != nil {
		h.logger.Error("failed to remove presence entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leave_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePresenceCleanup(c *gin.Context) {
	if c.GetHeader(internalSecretHeader) != h.internalSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	removed, err := h.presence.CleanupStale(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to clean up stale presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// buildHeartbeat assembles a tracker request with server-authoritative
// identity fields so a client cannot report presence for someone else.
func (h *httpHandler) buildHeartbeat(claims auth.SessionClaims, rawType, rawID string, cursor *presence.Cursor) (presence.HeartbeatRequest, error) {
	resourceType, err := presence.NewResourceType(rawType)
	if err != nil {
		return presence.HeartbeatRequest{}, err
	}
	resourceID, err := presence.NewResourceID(rawID)
	if err != nil {
		return presence.HeartbeatRequest{}, err
	}
	userID, err := presence.NewUserID(claims.UserID)
	if err != nil {
		return presence.HeartbeatRequest{}, err
	}
	collaborator, err := h.collaborators.Resolve(claims)
	if err != nil {
		return presence.HeartbeatRequest{}, err
	}
	return presence.HeartbeatRequest{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		UserName:     collaborator.UserName,
		UserColor:    collaborator.Color,
		Cursor:       cursor,
	}, nil
}

func (h *httpHandler) pathDocumentID(c *gin.Context) (docstore.DocumentID, bool) {
	documentID, err := docstore.NewDocumentID(c.Param("documentID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) pathVersionNumber(c *gin.Context) (versions.VersionNumber, bool) {
	raw := c.Param("versionNumber")
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_number"})
		return 0, false
	}
	number, err := versions.NewVersionNumber(parsed)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_number"})
		return 0, false
	}
	return number, true
}

func (h *httpHandler) pathResource(c *gin.Context) (presence.ResourceType, presence.ResourceID, bool) {
	resourceType, err := presence.NewResourceType(c.Param("resourceType"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resource_type"})
		return "", "", false
	}
	resourceID, err := presence.NewResourceID(c.Param("resourceID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resource_id"})
		return "", "", false
	}
	return resourceType, resourceID, true
}
