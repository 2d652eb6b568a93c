// Package admin exposes JWT-protected operational endpoints: manual
// workflow triggers, job runs, and the error log.
package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"lawflow_backend/internal/errorlog"
	apphttp "lawflow_backend/internal/http"
	"lawflow_backend/internal/scheduler"
	"lawflow_backend/internal/workflows"
	"lawflow_backend/platform/httpkit"
	"lawflow_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

// StageDispatcher re-runs stage generation for a matter on demand.
type StageDispatcher interface {
	HandleStageChange(ctx context.Context, d workflows.Delivery, matterID int64) (workflows.Outcome, error)
}

// JobEnqueuer queues a maintenance job run.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job string) error
}

// Module is the admin bounded context module implementing http.Module.
type Module struct {
	dispatcher StageDispatcher
	jobs       JobEnqueuer
	errors     *errorlog.Repository
	log        *logger.Logger
}

// NewModule creates the admin module. jobs may be nil when no scheduler
// is configured; the job endpoints then report 503.
func NewModule(dispatcher StageDispatcher, jobs JobEnqueuer, errors *errorlog.Repository, log *logger.Logger) *Module {
	return &Module{dispatcher: dispatcher, jobs: jobs, errors: errors, log: log}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "admin"
}

// RegisterRoutes mounts admin routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Admin.POST("/matters/:matterId/regenerate", m.handleRegenerate)
	ctx.Admin.POST("/jobs/:job/run", m.handleRunJob)
	ctx.Admin.GET("/errors", m.handleListErrors)
}

// handleRegenerate re-runs stage generation and verification for a
// matter as if a fresh stage-change webhook arrived.
// POST /api/v1/admin/matters/:matterId/regenerate
func (m *Module) handleRegenerate(c *gin.Context) {
	matterID, err := strconv.ParseInt(c.Param("matterId"), 10, 64)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid matter ID", nil)
		return
	}

	id := strconv.FormatInt(matterID, 10)
	// Each manual trigger gets its own idempotency key; replay
	// protection guards duplicate webhook deliveries, not operators.
	d := workflows.Delivery{
		EventType:  "manual.stage_change",
		ResourceID: id,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		EntityKey:  id,
	}

	out, err := m.dispatcher.HandleStageChange(c.Request.Context(), d, matterID)
	if httpkit.HandleError(c, err) {
		return
	}

	m.log.Info("manual regeneration triggered", "matter", matterID, "action", out.Action)
	httpkit.OK(c, out)
}

// handleRunJob queues one run of a named maintenance job.
// POST /api/v1/admin/jobs/:job/run
func (m *Module) handleRunJob(c *gin.Context) {
	if m.jobs == nil {
		httpkit.Error(c, http.StatusServiceUnavailable, "scheduler not configured", nil)
		return
	}

	job := c.Param("job")
	switch job {
	case scheduler.JobTokenRefresh, scheduler.JobSubscriptionRenewal, scheduler.JobStaleMatters, scheduler.JobTrackingCleanup:
	default:
		httpkit.Error(c, http.StatusNotFound, "unknown job", gin.H{"job": job})
		return
	}

	if err := m.jobs.EnqueueJob(c.Request.Context(), job); err != nil {
		httpkit.Error(c, http.StatusInternalServerError, "failed to enqueue job", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job, "status": "queued"})
}

// handleListErrors returns recent structured failures.
// GET /api/v1/admin/errors?limit=100
func (m *Module) handleListErrors(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpkit.Error(c, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = n
	}

	entries, err := m.errors.ListRecent(c.Request.Context(), limit)
	if httpkit.HandleError(c, err) {
		return
	}
	if entries == nil {
		entries = []errorlog.Entry{}
	}
	httpkit.OK(c, entries)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
