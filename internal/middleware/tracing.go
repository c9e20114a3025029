package middleware

import (
	"fmt"
	"strings"

	"fireframe/internal/observability"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// capabilityRoutes maps an API route prefix to the provider capability it
// exercises. Longer prefixes come first.
var capabilityRoutes = []struct {
	prefix     string
	capability string
}{
	{"/api/users/me/avatar", "storage"},
	{"/storage/", "storage"},
	{"/api/auth/", "auth"},
	{"/api/users", "tables"},
	{"/api/posts", "tables"},
	{"/api/ws/", "realtime"},
}

// RouteCapability names the provider capability behind a route template,
// or "" for routes that touch none (health, metrics, swagger).
func RouteCapability(route string) string {
	for _, r := range capabilityRoutes {
		if strings.HasPrefix(route, r.prefix) {
			return r.capability
		}
	}
	return ""
}

// TracingMiddleware adds OpenTelemetry tracing to requests. The span is
// renamed to the matched route template once routing has run.
func TracingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := otel.GetTextMapPropagator().Extract(c.UserContext(), propagation.HeaderCarrier(c.GetReqHeaders()))

		ctx, span := observability.Tracer.Start(ctx, c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.path", c.Path()),
				attribute.String("http.url", c.OriginalURL()),
				attribute.String("http.ip", c.IP()),
				attribute.String("http.user_agent", c.Get("User-Agent")),
			),
		)
		defer span.End()

		c.Locals("traceID", span.SpanContext().TraceID().String())
		c.Locals("spanID", span.SpanContext().SpanID().String())

		if requestID := c.Locals("requestid"); requestID != nil {
			span.SetAttributes(attribute.String("request.id", fmt.Sprintf("%v", requestID)))
		}

		c.Set("X-Trace-ID", span.SpanContext().TraceID().String())
		c.SetUserContext(ctx)

		err := c.Next()

		route := c.Route().Path
		span.SetName(c.Method() + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Response().StatusCode()),
		)
		if capability := RouteCapability(route); capability != "" {
			span.SetAttributes(observability.AttrCapability.String(capability))
		}
		if role, ok := c.Locals(LocalRole).(string); ok && role != "" {
			span.SetAttributes(observability.AttrRole.String(role))
		}
		if userID, ok := c.Locals(LocalUserID).(string); ok && userID != "" {
			span.SetAttributes(attribute.String("user.id", userID))
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if c.Response().StatusCode() >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", c.Response().StatusCode()))
		}
		return err
	}
}
