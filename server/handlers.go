package server

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-story-cache/invalidation"
	"github.com/saiset-co/sai-story-cache/types"
	"github.com/saiset-co/sai-story-cache/utils"
)

const defaultRequestTimeout = 10 * time.Second

type CacheAdmin interface {
	Mode() types.TierMode
	Stats() types.TierStats
	Reconnect(ctx context.Context)
}

type StructureReader interface {
	GetStructure(ctx context.Context, rootID, viewerID string) (*types.StructureSnapshot, bool, error)
	GetEntityIDs(ctx context.Context, rootID string) (*types.EntityIDs, bool, error)
}

type WriteObserver interface {
	AfterWrite(ctx context.Context, ictx types.InvalidationContext) (types.InvalidationDirective, error)
}

type JobLister interface {
	Jobs() []types.JobEntry
}

// Dependencies wires the ops endpoints. Metrics, Writes and Jobs are
// optional; their routes are not registered when nil.
type Dependencies struct {
	Cache     CacheAdmin
	Reporter  types.MetricsReporter
	Structure StructureReader
	Writes    WriteObserver
	Metrics   fasthttp.RequestHandler
	Jobs      JobLister
}

type Handlers struct {
	ctx       context.Context
	logger    types.Logger
	deps      Dependencies
	validator *validator.Validate
	timeout   time.Duration
}

// NewHandlers derives every request context from ctx. fasthttp recycles
// RequestCtx after the handler returns, so it is never handed to the
// cache layers.
func NewHandlers(ctx context.Context, logger types.Logger, deps Dependencies) (*Handlers, error) {
	if deps.Cache == nil || deps.Reporter == nil || deps.Structure == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "cache, reporter and structure are required")
	}

	return &Handlers{
		ctx:       ctx,
		logger:    logger,
		deps:      deps,
		validator: validator.New(),
		timeout:   defaultRequestTimeout,
	}, nil
}

func (h *Handlers) Register(r *Router) {
	r.GET("/health", h.health)
	r.GET("/cache/stats", h.stats)
	r.POST("/cache/stats/reset", h.resetStats)
	r.POST("/cache/reconnect", h.reconnect)
	r.GET("/stories/{id}/structure", h.structure)
	r.GET("/stories/{id}/ids", h.entityIDs)

	if h.deps.Metrics != nil {
		r.GET("/metrics", h.deps.Metrics)
	}

	if h.deps.Writes != nil {
		r.POST("/stories/{id}/invalidate", h.invalidate)
	}

	if h.deps.Jobs != nil {
		r.GET("/cron/jobs", h.jobs)
	}
}

type healthResponse struct {
	Status        string         `json:"status"`
	Mode          types.TierMode `json:"mode"`
	RemoteEnabled bool           `json:"remote_enabled"`
}

type statsResponse struct {
	Tier     types.TierStats               `json:"tier"`
	Buckets  map[string]types.MetricBucket `json:"buckets"`
	HitRates map[string]float64            `json:"hit_rates"`
}

// health reports "degraded" while a configured remote tier is not serving.
// The cache keeps working from the fallback tier, so the status code stays 200.
func (h *Handlers) health(ctx *fasthttp.RequestCtx) {
	stats := h.deps.Cache.Stats()

	status := "ok"
	if stats.RemoteEnabled && stats.Mode != types.TierModeRemote {
		status = "degraded"
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, healthResponse{
		Status:        status,
		Mode:          stats.Mode,
		RemoteEnabled: stats.RemoteEnabled,
	})
}

func (h *Handlers) stats(ctx *fasthttp.RequestCtx) {
	buckets := h.deps.Reporter.Buckets()

	hitRates := make(map[string]float64, len(buckets))
	for name, bucket := range buckets {
		hitRates[name] = bucket.HitRate()
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, statsResponse{
		Tier:     h.deps.Cache.Stats(),
		Buckets:  buckets,
		HitRates: hitRates,
	})
}

func (h *Handlers) resetStats(ctx *fasthttp.RequestCtx) {
	h.deps.Reporter.Reset()
	h.logger.Info("Cache metrics reset", zap.String("request_id", requestID(ctx)))
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]bool{"reset": true})
}

func (h *Handlers) reconnect(ctx *fasthttp.RequestCtx) {
	h.deps.Cache.Reconnect(h.ctx)
	utils.WriteJSON(ctx, fasthttp.StatusAccepted, map[string]types.TierMode{"mode": h.deps.Cache.Mode()})
}

func (h *Handlers) structure(ctx *fasthttp.RequestCtx) {
	rootID := pathParam(ctx, "id")
	viewerID := string(ctx.QueryArgs().Peek("viewer"))

	reqCtx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	snapshot, found, err := h.deps.Structure.GetStructure(reqCtx, rootID, viewerID)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	if !found {
		utils.CreateErrorResponse(ctx, fasthttp.StatusNotFound, "story not found")
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, snapshot)
}

func (h *Handlers) entityIDs(ctx *fasthttp.RequestCtx) {
	rootID := pathParam(ctx, "id")

	reqCtx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	ids, found, err := h.deps.Structure.GetEntityIDs(reqCtx, rootID)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	if !found {
		utils.CreateErrorResponse(ctx, fasthttp.StatusNotFound, "story not found")
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, ids)
}

// invalidate accepts an optional InvalidationContext body. Without one the
// story itself is treated as written.
func (h *Handlers) invalidate(ctx *fasthttp.RequestCtx) {
	rootID := pathParam(ctx, "id")

	ictx := types.InvalidationContext{EntityType: types.EntityStory, EntityID: rootID}
	if body := ctx.PostBody(); len(body) > 0 {
		if err := utils.Unmarshal(body, &ictx); err != nil {
			utils.CreateErrorResponse(ctx, fasthttp.StatusBadRequest, "invalid request body")
			return
		}
	}

	if ictx.RootID == "" {
		ictx.RootID = rootID
	}

	if err := h.validator.Struct(ictx); err != nil {
		utils.CreateErrorResponse(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	reqCtx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	directive, err := h.deps.Writes.AfterWrite(reqCtx, ictx)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	invalidation.ApplyToResponse(&ctx.Response.Header, directive)
	utils.WriteJSON(ctx, fasthttp.StatusOK, directive)
}

func (h *Handlers) jobs(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, h.deps.Jobs.Jobs())
}

func (h *Handlers) writeError(ctx *fasthttp.RequestCtx, err error) {
	if types.IsError(err, types.ErrInvalidParameter) {
		utils.CreateErrorResponse(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	h.logger.Error("Request failed",
		zap.String("path", string(ctx.Path())),
		zap.String("request_id", requestID(ctx)),
		zap.Error(err))

	utils.CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, "internal error")
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	value, _ := ctx.UserValue(name).(string)
	return value
}

func requestID(ctx *fasthttp.RequestCtx) string {
	return string(ctx.Response.Header.Peek(HeaderRequestID))
}
