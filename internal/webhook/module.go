// Package webhook exposes the inbound CRM webhook surface: one endpoint
// per resource type, authenticated by a shared secret, feeding the
// workflow processor.
package webhook

import (
	apphttp "lawflow_backend/internal/http"
	"lawflow_backend/platform/httpkit"
	"lawflow_backend/platform/logger"
	"lawflow_backend/platform/validator"

	"golang.org/x/time/rate"
)

// Module is the webhook bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	secret  string
	limiter *httpkit.IPRateLimiter
}

// NewModule creates and initializes the webhook module.
func NewModule(dispatcher Dispatcher, sharedSecret string, val *validator.Validator, log *logger.Logger) *Module {
	return &Module{
		handler: NewHandler(dispatcher, val, log),
		secret:  sharedSecret,
		limiter: httpkit.NewIPRateLimiter(rate.Limit(50), 100, log),
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// RegisterRoutes mounts webhook routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/webhooks")
	group.Use(m.limiter.RateLimit())
	group.Use(HandshakeEcho())
	group.Use(SharedSecretAuth(m.secret))

	group.POST("/matters", m.handler.HandleMatterEvent)
	group.POST("/tasks", m.handler.HandleTaskEvent)
	group.POST("/calendar-entries", m.handler.HandleCalendarEvent)
	group.POST("/documents", m.handler.HandleDocumentEvent)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
