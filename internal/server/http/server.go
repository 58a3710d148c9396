// Package httpserver exposes the NutriKeeper HTTP API handlers.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/and161185/nutrikeeper/internal/service"
)

// pollAfter is the Retry-After hint sent while a record is pending.
const pollAfter = "2"

// Summaries computes window summaries.
type Summaries interface {
	Aggregate(ctx context.Context, userID uuid.UUID, w model.Window) (*model.WindowSummary, error)
}

// Reports serves weekly reports.
type Reports interface {
	GetOrCompute(ctx context.Context, userID uuid.UUID, w model.Window) (*model.Report, error)
}

// Options configures a Server.
type Options struct {
	SignKey []byte
	// Location defines the calendar day of date query parameters.
	Location *time.Location
	Now      func() time.Time
	Log      *zap.Logger
	// Ready is checked by /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires services into HTTP handlers.
type Server struct {
	records   service.RecordService
	summaries Summaries
	reports   Reports
	opts      Options
}

// New constructs a Server with injected services.
func New(records service.RecordService, summaries Summaries, reports Reports, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Server{records: records, summaries: summaries, reports: reports, opts: opts}
}

// Handler builds the gin engine with middleware and all routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(Recover(s.opts.Log), Logging(s.opts.Log))

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1", Auth(s.opts.SignKey))
	api.POST("/meals", s.submitMeal)
	api.POST("/weights", s.logWeight)
	api.GET("/records/:id", s.getRecord)
	api.PATCH("/records/:id", s.updateRecord)
	api.DELETE("/records/:id", s.deleteRecord)
	api.POST("/records/:id/retry", s.retryRecord)
	api.PUT("/records/:id/nutrition", s.overrideNutrition)
	api.GET("/records/:id/snapshots", s.history)
	api.GET("/summary", s.summary)
	api.GET("/reports/weekly", s.weeklyReport)
	api.GET("/export", s.export)
	api.PUT("/goal", s.setGoal)
	return r
}

func (s *Server) healthz(c *gin.Context) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- records ---

func (s *Server) submitMeal(c *gin.Context) {
	var req mealRequest
	if !bind(c, &req) {
		return
	}
	in := service.NewMeal{Description: req.Description, ImageRef: req.ImageRef}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}
	v, err := s.records.SubmitMeal(c.Request.Context(), userID(c), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondView(c, http.StatusAccepted, v)
}

func (s *Server) logWeight(c *gin.Context) {
	var req weightRequest
	if !bind(c, &req) {
		return
	}
	var at time.Time
	if req.OccurredAt != nil {
		at = *req.OccurredAt
	}
	v, err := s.records.LogWeight(c.Request.Context(), userID(c), req.WeightKg, at)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondView(c, http.StatusCreated, v)
}

func (s *Server) getRecord(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	v, err := s.records.Get(c.Request.Context(), userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondView(c, http.StatusOK, v)
}

func (s *Server) updateRecord(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateRequest
	if !bind(c, &req) {
		return
	}
	v, err := s.records.Update(c.Request.Context(), userID(c), id, req.toModel())
	if err != nil {
		s.fail(c, err)
		return
	}
	respondView(c, http.StatusOK, v)
}

func (s *Server) deleteRecord(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.records.Delete(c.Request.Context(), userID(c), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retryRecord(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	v, err := s.records.Retry(c.Request.Context(), userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondView(c, http.StatusAccepted, v)
}

func (s *Server) overrideNutrition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var n model.Nutrients
	if !bind(c, &n) {
		return
	}
	sn, err := s.records.OverrideNutrition(c.Request.Context(), userID(c), id, n)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSnapshotJSON(*sn))
}

func (s *Server) history(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	hist, err := s.records.History(c.Request.Context(), userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": toSnapshotsJSON(hist)})
}

// --- summaries and reports ---

func (s *Server) summary(c *gin.Context) {
	anchor, ok := s.anchorDate(c)
	if !ok {
		return
	}
	w, err := model.ParseWindow(c.Query("window"), anchor)
	if err != nil {
		s.fail(c, fmt.Errorf("validation: %v: %w", err, errs.ErrInvalid))
		return
	}
	sum, err := s.summaries.Aggregate(c.Request.Context(), userID(c), w)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) weeklyReport(c *gin.Context) {
	anchor, ok := s.anchorDate(c)
	if !ok {
		return
	}
	rep, err := s.reports.GetOrCompute(c.Request.Context(), userID(c), model.WeekWindow(anchor))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// anchorDate reads the optional date=YYYY-MM-DD parameter; today by default.
func (s *Server) anchorDate(c *gin.Context) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query("date"))
	if raw == "" {
		return s.opts.Now().In(s.opts.Location), true
	}
	d, err := time.ParseInLocation(time.DateOnly, raw, s.opts.Location)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "bad date"})
		return time.Time{}, false
	}
	return d, true
}

// --- user data ---

func (s *Server) export(c *gin.Context) {
	e, err := s.records.Export(c.Request.Context(), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toExportJSON(e))
}

func (s *Server) setGoal(c *gin.Context) {
	var req goalRequest
	if !bind(c, &req) {
		return
	}
	g, err := s.records.SetGoal(c.Request.Context(), model.Goal{
		UserID:         userID(c),
		StartWeightKg:  req.StartWeightKg,
		TargetWeightKg: req.TargetWeightKg,
		WeeklyPaceKg:   req.WeeklyPaceKg,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toGoalJSON(g))
}

// --- helpers ---

func userID(c *gin.Context) uuid.UUID {
	id, _ := UserIDFromCtx(c.Request.Context())
	return id
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "bad id"})
		return uuid.Nil, false
	}
	return id, true
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "bad body: " + err.Error()})
		return false
	}
	return true
}

func respondView(c *gin.Context, code int, v *model.RecordView) {
	if v.Record.State == model.StatePending {
		c.Header("Retry-After", pollAfter)
	}
	c.JSON(code, toViewJSON(v))
}

// fail maps domain errors to HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	code, msg := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		code, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrInvalid):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrNotFound):
		code, msg = http.StatusNotFound, "not found"
	case errors.Is(err, errs.ErrConflict):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, errs.ErrRateLimited):
		code, msg = http.StatusTooManyRequests, err.Error()
		var qe *service.QuotaError
		if errors.As(err, &qe) {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(qe.RetryAfter.Seconds()))))
		}
	default:
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(code, errorBody{Error: msg})
}
