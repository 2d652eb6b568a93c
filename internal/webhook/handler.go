package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"lawflow_backend/internal/workflows"
	"lawflow_backend/platform/httpkit"
	"lawflow_backend/platform/logger"
	"lawflow_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	errInvalidEnvelope = "invalid event envelope"
	errInvalidPayload  = "invalid event payload"
	errValidation      = "validation error"
)

// Dispatcher is the slice of the workflow processor the webhook surface
// drives. Satisfied by *workflows.Processor.
type Dispatcher interface {
	HandleStageChange(ctx context.Context, d workflows.Delivery, matterID int64) (workflows.Outcome, error)
	HandleMatterClosed(ctx context.Context, d workflows.Delivery, matterID int64) (workflows.Outcome, error)
	HandleTaskCompleted(ctx context.Context, d workflows.Delivery, taskID int64) (workflows.Outcome, error)
	HandleTaskDeleted(ctx context.Context, d workflows.Delivery, taskID int64) (workflows.Outcome, error)
	HandleMeetingScheduled(ctx context.Context, d workflows.Delivery, entryID int64) (workflows.Outcome, error)
	HandleMeetingDeleted(ctx context.Context, d workflows.Delivery, entryID int64) (workflows.Outcome, error)
	HandleDocumentCreated(ctx context.Context, d workflows.Delivery, documentID int64) (workflows.Outcome, error)
}

// Handler handles inbound CRM webhook deliveries, one endpoint per
// resource type.
type Handler struct {
	dispatcher Dispatcher
	val        *validator.Validator
	log        *logger.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(dispatcher Dispatcher, val *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, val: val, log: log}
}

// HandleMatterEvent processes matter webhooks: stage changes and closures.
// POST /api/v1/webhooks/matters
func (h *Handler) HandleMatterEvent(c *gin.Context) {
	env, ok := h.bindEnvelope(c)
	if !ok {
		return
	}

	var data MatterData
	if !h.bindData(c, env, &data) {
		return
	}

	d := h.delivery(env, data.ID, data.ID)

	switch {
	case isDeletion(env.Type, data.DeletedAt):
		// Nothing to unwind for the matter itself; its tasks get their
		// own deletion webhooks.
		httpkit.OK(c, workflows.Outcome{Action: "ignored"})
	case isClosed(data.Status):
		out, err := h.dispatcher.HandleMatterClosed(c.Request.Context(), d, data.ID)
		h.respond(c, out, err)
	default:
		out, err := h.dispatcher.HandleStageChange(c.Request.Context(), d, data.ID)
		h.respond(c, out, err)
	}
}

// HandleTaskEvent processes task webhooks: completions and deletions.
// POST /api/v1/webhooks/tasks
func (h *Handler) HandleTaskEvent(c *gin.Context) {
	env, ok := h.bindEnvelope(c)
	if !ok {
		return
	}

	var data TaskData
	if !h.bindData(c, env, &data) {
		return
	}

	d := h.delivery(env, data.ID, matterID(data.Matter))

	switch {
	case isDeletion(env.Type, data.DeletedAt):
		out, err := h.dispatcher.HandleTaskDeleted(c.Request.Context(), d, data.ID)
		h.respond(c, out, err)
	case isCompleted(data.Status):
		out, err := h.dispatcher.HandleTaskCompleted(c.Request.Context(), d, data.ID)
		h.respond(c, out, err)
	default:
		// Edits to open tasks carry no automation meaning.
		httpkit.OK(c, workflows.Outcome{Action: "ignored"})
	}
}

// HandleCalendarEvent processes calendar-entry webhooks: scheduled
// meetings and cancellations.
// POST /api/v1/webhooks/calendar-entries
func (h *Handler) HandleCalendarEvent(c *gin.Context) {
	env, ok := h.bindEnvelope(c)
	if !ok {
		return
	}

	var data CalendarData
	if !h.bindData(c, env, &data) {
		return
	}

	d := h.delivery(env, data.ID, matterID(data.Matter))

	if isDeletion(env.Type, data.DeletedAt) {
		out, err := h.dispatcher.HandleMeetingDeleted(c.Request.Context(), d, data.ID)
		h.respond(c, out, err)
		return
	}
	out, err := h.dispatcher.HandleMeetingScheduled(c.Request.Context(), d, data.ID)
	h.respond(c, out, err)
}

// HandleDocumentEvent processes document webhooks.
// POST /api/v1/webhooks/documents
func (h *Handler) HandleDocumentEvent(c *gin.Context) {
	env, ok := h.bindEnvelope(c)
	if !ok {
		return
	}

	var data DocumentData
	if !h.bindData(c, env, &data) {
		return
	}

	if isDeletion(env.Type, data.DeletedAt) {
		httpkit.OK(c, workflows.Outcome{Action: "ignored"})
		return
	}

	d := h.delivery(env, data.ID, matterID(data.Matter))
	out, err := h.dispatcher.HandleDocumentCreated(c.Request.Context(), d, data.ID)
	h.respond(c, out, err)
}

func (h *Handler) bindEnvelope(c *gin.Context) (Envelope, bool) {
	var env Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidEnvelope, err.Error())
		return Envelope{}, false
	}
	if err := h.val.Struct(env); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return Envelope{}, false
	}
	return env, true
}

func (h *Handler) bindData(c *gin.Context, env Envelope, data interface{}) bool {
	if err := json.Unmarshal(env.Data, data); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidPayload, err.Error())
		return false
	}
	if err := h.val.Struct(data); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return false
	}
	return true
}

func (h *Handler) delivery(env Envelope, resourceID, entityID int64) workflows.Delivery {
	key := ""
	if entityID != 0 {
		key = strconv.FormatInt(entityID, 10)
	}
	return workflows.Delivery{
		EventType:  env.Type,
		ResourceID: strconv.FormatInt(resourceID, 10),
		Timestamp:  env.Timestamp(),
		EntityKey:  key,
		Payload:    env.Data,
	}
}

// respond maps a workflow outcome onto the HTTP response: pending
// reservations get a 202 so the CRM redelivers later, everything else a
// 200 with the outcome body.
func (h *Handler) respond(c *gin.Context, out workflows.Outcome, err error) {
	if httpkit.HandleError(c, err) {
		return
	}
	if out.Pending {
		c.JSON(http.StatusAccepted, out)
		return
	}
	httpkit.OK(c, out)
}

func matterID(ref *matterRef) int64 {
	if ref == nil {
		return 0
	}
	return ref.ID
}
