package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/donorconnect/backend/internal/auth"
	"github.com/donorconnect/backend/internal/donors"
	"github.com/donorconnect/backend/internal/metrics"
	"github.com/donorconnect/backend/internal/retention"
	"github.com/donorconnect/backend/internal/segments"
	"github.com/donorconnect/backend/internal/tasks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "donorconnect_user_id"
	orgIDContextKey  = "donorconnect_org_id"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingSegmentService   = errors.New("segment service dependency required")
	errMissingDonorStore       = errors.New("donor store dependency required")
)

// SessionValidator resolves a request's session cookie into claims. Session
// issuance lives outside this service; the router only consumes it.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	Sessions SessionValidator
	Segments *segments.Service
	Donors   *donors.Store
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// NewHTTPHandler builds the gin handler for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Segments == nil {
		return nil, errMissingSegmentService
	}
	if deps.Donors == nil {
		return nil, errMissingDonorStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:       deps.Sessions,
		segmentService: deps.Segments,
		donorStore:     deps.Donors,
		logger:         logger,
		clock:          clock,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
		router.Use(requestCounter(deps.Metrics))
	}

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.POST("/segments", handler.handleCreateSegment)
	api.GET("/segments", handler.handleListSegments)
	api.GET("/segments/:segmentID", handler.handleGetSegment)
	api.DELETE("/segments/:segmentID", handler.handleDeleteSegment)
	api.POST("/segments/:segmentID/members", handler.handleAddMembers)
	api.DELETE("/segments/:segmentID/members/:donorID", handler.handleRemoveMember)
	api.GET("/donors/:donorID/retention", handler.handleDonorRetention)
	api.GET("/donors/:donorID/suggestions", handler.handleDonorSuggestions)

	return router, nil
}

func requestCounter(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

type httpHandler struct {
	sessions       SessionValidator
	segmentService *segments.Service
	donorStore     *donors.Store
	logger         *zap.Logger
	clock          func() time.Time
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(orgIDContextKey, claims.OrganizationID)
	c.Next()
}

func (h *httpHandler) organizationID(c *gin.Context) string {
	return c.GetString(orgIDContextKey)
}

type segmentPayload struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Rules          json.RawMessage `json:"rules"`
	MemberCount    int             `json:"memberCount"`
	LastCalculated *time.Time      `json:"lastCalculated"`
	Stale          bool            `json:"stale,omitempty"`
}

func toSegmentPayload(segment segments.Segment, stale bool) segmentPayload {
	return segmentPayload{
		ID:             segment.ID,
		Name:           segment.Name,
		Description:    segment.Description,
		Rules:          json.RawMessage(segment.Rules),
		MemberCount:    segment.MemberCount,
		LastCalculated: segment.LastCalculated,
		Stale:          stale,
	}
}

type createSegmentPayload struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Rules       json.RawMessage `json:"rules"`
}

func (h *httpHandler) handleCreateSegment(c *gin.Context) {
	var request createSegmentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	segment, err := h.segmentService.Create(c.Request.Context(), h.organizationID(c), segments.CreateInput{
		Name:        request.Name,
		Description: request.Description,
		Rules:       string(request.Rules),
	})
	if err != nil {
		if errors.Is(err, segments.ErrEmptyName) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name_required"})
			return
		}
		h.logger.Error("segment creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, toSegmentPayload(segment, false))
}

func (h *httpHandler) handleListSegments(c *gin.Context) {
	summaries, err := h.segmentService.List(c.Request.Context(), h.organizationID(c))
	if err != nil {
		h.logger.Error("segment listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]segmentPayload, 0, len(summaries))
	for _, summary := range summaries {
		payload = append(payload, toSegmentPayload(summary.Segment, summary.Stale))
	}
	c.JSON(http.StatusOK, gin.H{"segments": payload})
}

func (h *httpHandler) handleGetSegment(c *gin.Context) {
	detail, err := h.segmentService.Get(c.Request.Context(), h.organizationID(c), c.Param("segmentID"))
	if err != nil {
		if errors.Is(err, segments.ErrSegmentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "segment_not_found"})
			return
		}
		h.logger.Error("segment reconciliation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"segment": toSegmentPayload(detail.Segment, false),
		"members": detail.Members,
	})
}

func (h *httpHandler) handleDeleteSegment(c *gin.Context) {
	err := h.segmentService.Delete(c.Request.Context(), h.organizationID(c), c.Param("segmentID"))
	if err != nil {
		if errors.Is(err, segments.ErrSegmentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "segment_not_found"})
			return
		}
		h.logger.Error("segment deletion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type addMembersPayload struct {
	DonorIDs []string `json:"donor_ids"`
}

func (h *httpHandler) handleAddMembers(c *gin.Context) {
	var request addMembersPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.DonorIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	segment, err := h.segmentService.AddMembers(c.Request.Context(), h.organizationID(c), c.Param("segmentID"), request.DonorIDs)
	if err != nil {
		var foreign *segments.ForeignDonorsError
		switch {
		case errors.Is(err, segments.ErrSegmentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "segment_not_found"})
		case errors.As(err, &foreign):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":     "donors_outside_organization",
				"donor_ids": foreign.DonorIDs,
			})
		case errors.Is(err, segments.ErrBatchTooLarge):
			c.JSON(http.StatusBadRequest, gin.H{"error": "batch_too_large"})
		default:
			h.logger.Error("manual member add failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "add_members_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, toSegmentPayload(segment, false))
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	segment, err := h.segmentService.RemoveMember(c.Request.Context(), h.organizationID(c), c.Param("segmentID"), c.Param("donorID"))
	if err != nil {
		switch {
		case errors.Is(err, segments.ErrSegmentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "segment_not_found"})
		case errors.Is(err, segments.ErrMemberNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "member_not_found"})
		default:
			h.logger.Error("manual member remove failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "remove_member_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, toSegmentPayload(segment, false))
}

func (h *httpHandler) handleDonorRetention(c *gin.Context) {
	donor, err := h.donorStore.Get(c.Request.Context(), h.organizationID(c), c.Param("donorID"))
	if err != nil {
		if errors.Is(err, donors.ErrDonorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "donor_not_found"})
			return
		}
		h.logger.Error("donor lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	assessment := retention.Score(retention.Signals{
		TotalGifts:    donor.TotalGifts,
		TotalAmount:   donor.TotalAmount,
		FirstGiftDate: donor.FirstGiftDate,
		LastGiftDate:  donor.LastGiftDate,
	}, h.clock())

	c.JSON(http.StatusOK, gin.H{
		"assessment":    assessment,
		"storedRisk":    strings.ToUpper(donor.RetentionRisk),
		"lastGiftDate":  donor.LastGiftDate,
		"firstGiftDate": donor.FirstGiftDate,
	})
}

func (h *httpHandler) handleDonorSuggestions(c *gin.Context) {
	donor, err := h.donorStore.Get(c.Request.Context(), h.organizationID(c), c.Param("donorID"))
	if err != nil {
		if errors.Is(err, donors.ErrDonorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "donor_not_found"})
			return
		}
		h.logger.Error("donor lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	lastInteraction, err := h.donorStore.LastInteractionAt(c.Request.Context(), donor.ID)
	if err != nil {
		h.logger.Error("interaction lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	suggestions := tasks.Suggest(tasks.Input{
		DonorID:             donor.ID,
		TotalGifts:          donor.TotalGifts,
		TotalAmount:         donor.TotalAmount,
		LastDonationDate:    donor.LastGiftDate,
		LastInteractionDate: lastInteraction,
	}, h.clock())

	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}
