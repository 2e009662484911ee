package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/files"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/host"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingRegistry     = errors.New("host registry dependency required")
	errMissingFilesService = errors.New("files service dependency required")
	errMissingSessions     = errors.New("session validator dependency required")
)

// ErrorReporter receives errors that reached the outer edge of a request:
// recovered panics and infrastructure failures with nobody left to retry.
type ErrorReporter interface {
	Report(err error)
}

type zapReporter struct {
	logger *zap.Logger
}

func (r *zapReporter) Report(err error) {
	r.logger.Error("unhandled server error", zap.Error(err))
}

// Dependencies wires the HTTP surface to the room machinery.
type Dependencies struct {
	Registry *host.Registry
	Files    *files.Service
	Sessions *auth.SessionValidator
	Reporter ErrorReporter
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the socket endpoints, the
// restore endpoints and the internal file-record notification hook.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Files == nil {
		return nil, errMissingFilesService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = &zapReporter{logger: logger}
	}

	handler := &httpHandler{
		registry: deps.Registry,
		files:    deps.Files,
		sessions: deps.Sessions,
		reporter: reporter,
		logger:   logger,
	}

	router := gin.New()
	router.Use(gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		reporter.Report(recoveredError(recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/room/:roomId", handler.handleLegacyConnect)
	router.GET("/readonly-slug/:roomId", handler.handleReadonlyConnect)
	router.GET("/app/file/:roomId", handler.handleAppConnect)
	router.POST("/room/:roomId/restore", handler.restoreHandler(false))
	router.POST("/app/file/:roomId/restore", handler.restoreHandler(true))
	router.POST("/app/file/:roomId/notify", handler.handleFileNotify)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return router, nil
}

func recoveredError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return err
	}
	return errors.New("panic in request handler")
}

type httpHandler struct {
	registry *host.Registry
	files    *files.Service
	sessions *auth.SessionValidator
	reporter ErrorReporter
	logger   *zap.Logger
}

type restoreRequestPayload struct {
	Timestamp string `json:"timestamp"`
}

func (h *httpHandler) restoreHandler(isApp bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request restoreRequestPayload
		if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Timestamp) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		documentHost, err := h.registry.Host(c.Param("roomId"), isApp)
		if err != nil {
			h.reporter.Report(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}

		claims := h.sessions.ResolveRequest(c.Request)
		err = documentHost.Restore(c.Request.Context(), request.Timestamp, claims)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"ok": true})
		case errors.Is(err, host.ErrRestoreBadRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp"})
		case errors.Is(err, host.ErrRestoreUnauthorized):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		case errors.Is(err, host.ErrRestoreForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		case errors.Is(err, host.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		default:
			h.reporter.Report(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		}
	}
}

const (
	fileEventCreated = "created"
	fileEventUpdated = "updated"
	fileEventDeleted = "deleted"
)

type fileNotifyPayload struct {
	Event  string            `json:"event"`
	Record fileRecordPayload `json:"record"`
}

type fileRecordPayload struct {
	FileID            string `json:"file_id"`
	OwnerID           string `json:"owner_id"`
	Name              string `json:"name"`
	Shared            bool   `json:"shared"`
	SharedLinkType    string `json:"shared_link_type"`
	Published         bool   `json:"published"`
	PublishedSlug     string `json:"published_slug"`
	RestrictedToAdmin bool   `json:"restricted_to_admin"`
	IsDeleted         bool   `json:"is_deleted"`
}

// handleFileNotify is the internal hook other services call after writing a
// file record; it keeps the live host's view of the metadata current.
// Callers authenticate with an admin-role service token.
func (h *httpHandler) handleFileNotify(c *gin.Context) {
	claims := h.sessions.ResolveRequest(c.Request)
	if claims == nil || !claims.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var payload fileNotifyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	documentHost, err := h.registry.Host(c.Param("roomId"), true)
	if err != nil {
		h.reporter.Report(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	switch payload.Event {
	case fileEventDeleted:
		err = documentHost.FileRecordDidDelete(c.Request.Context())
	case fileEventCreated, fileEventUpdated:
		err = documentHost.FileRecordDidUpdate(c.Request.Context(), files.FileRecord{
			FileID:            c.Param("roomId"),
			OwnerID:           payload.Record.OwnerID,
			Name:              payload.Record.Name,
			Shared:            payload.Record.Shared,
			SharedLinkType:    files.SharedLinkType(payload.Record.SharedLinkType),
			Published:         payload.Record.Published,
			PublishedSlug:     payload.Record.PublishedSlug,
			RestrictedToAdmin: payload.Record.RestrictedToAdmin,
			IsDeleted:         payload.Record.IsDeleted,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
		return
	}
	if err != nil {
		h.reporter.Report(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
