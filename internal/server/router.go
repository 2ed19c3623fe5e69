package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/codepair/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/session"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/versions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const usernameContextKey = "codepair_username"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingRegistry         = errors.New("session registry dependency required")
	errMissingVersionsService  = errors.New("versions service dependency required")
)

// Dependencies carries the collaborators of the HTTP surface.
type Dependencies struct {
	SessionValidator *auth.SessionValidator
	Registry         *session.Registry
	VersionsService  *versions.Service
	Metrics          *metrics.Collector
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the session REST surface and
// the websocket synchronization channel.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.VersionsService == nil {
		return nil, errMissingVersionsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.SessionValidator,
		registry:  deps.Registry,
		versions:  deps.VersionsService,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sessions/:sessionId/latest", handler.handleLatest)
	protected.GET("/sessions/:sessionId/history", handler.handleHistory)
	protected.GET("/sessions/:sessionId/participants", handler.handleParticipants)
	protected.GET("/sessions/:sessionId/ws", handler.handleChannel)

	return router, nil
}

type httpHandler struct {
	validator *auth.SessionValidator
	registry  *session.Registry
	versions  *versions.Service
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type latestResponsePayload struct {
	CodingSessionID string `json:"codingSessionID"`
	Code            string `json:"code"`
}

// handleLatest serves the join-time buffer: the live registry buffer when the
// session is active, otherwise the latest persisted snapshot, otherwise an
// empty default. An unknown session id is not an error.
func (h *httpHandler) handleLatest(c *gin.Context) {
	sessionID := c.Param("sessionId")

	code, ok := h.registry.CurrentCode(sessionID)
	if !ok {
		persisted, found, err := h.versions.LatestCode(c.Request.Context(), sessionID)
		if err != nil {
			h.logger.Error("latest version lookup failed", zap.String("session_id", sessionID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "version_lookup_failed"})
			return
		}
		if found {
			code = persisted
		}
	}

	c.JSON(http.StatusOK, latestResponsePayload{CodingSessionID: sessionID, Code: code})
}

type historyEntryPayload struct {
	Seq       int64  `json:"seq"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	sessionID := c.Param("sessionId")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	records, err := h.versions.History(c.Request.Context(), sessionID, limit)
	if err != nil {
		h.logger.Error("history lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_lookup_failed"})
		return
	}

	entries := make([]historyEntryPayload, 0, len(records))
	for _, record := range records {
		entries = append(entries, historyEntryPayload{
			Seq:       record.Seq,
			Code:      record.Code,
			Timestamp: record.CreatedAtMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"codingSessionID": sessionID, "versions": entries})
}

func (h *httpHandler) handleParticipants(c *gin.Context) {
	sessionID := c.Param("sessionId")
	views := h.registry.Participants(sessionID)
	if views == nil {
		views = []session.ParticipantView{}
	}
	c.JSON(http.StatusOK, gin.H{"codingSessionID": sessionID, "participants": views})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(usernameContextKey, claims.Username())
	c.Next()
}
