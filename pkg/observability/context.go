package observability

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// contextKey is unexported so no other package can collide with these keys.
type contextKey string

const (
	// RequestIDKey identifies one HTTP request.
	RequestIDKey contextKey = "request-id"

	// CorrelationIDKey ties together work spanning multiple requests.
	CorrelationIDKey contextKey = "correlation-id"

	// DeploymentIDKey names the deployment a pipeline is driving.
	DeploymentIDKey contextKey = "deployment-id"

	// WorkerIDKey names the worker pool processing a delivery.
	WorkerIDKey contextKey = "worker-id"
)

// Header names for HTTP propagation
const (
	RequestIDHeaderKey     = "X-Request-Id"
	CorrelationIDHeaderKey = "X-Correlation-Id"
)

func stringValue(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithRequestID tags ctx with the ID of the request being served.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the request ID, or "" when ctx carries none.
func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }

// WithCorrelationID tags ctx with an ID that survives across requests.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// GetCorrelationID returns the correlation ID, or "" when ctx carries none.
func GetCorrelationID(ctx context.Context) string { return stringValue(ctx, CorrelationIDKey) }

// WithDeploymentID tags ctx with the deployment being worked on.
func WithDeploymentID(ctx context.Context, deploymentID string) context.Context {
	return context.WithValue(ctx, DeploymentIDKey, deploymentID)
}

// GetDeploymentID returns the deployment ID, or "" when ctx carries none.
func GetDeploymentID(ctx context.Context) string { return stringValue(ctx, DeploymentIDKey) }

// WithWorkerID tags ctx with the worker processing a delivery.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, workerID)
}

// GetWorkerID returns the worker ID, or "" when ctx carries none.
func GetWorkerID(ctx context.Context) string { return stringValue(ctx, WorkerIDKey) }

// GenerateRequestID returns a fresh unique request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextLogger returns logger extended with every correlation field ctx
// carries, plus the trace and span IDs when a span is active.
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	var fields []zap.Field
	for _, c := range []struct{ name, value string }{
		{"request_id", GetRequestID(ctx)},
		{"correlation_id", GetCorrelationID(ctx)},
		{"deployment_id", GetDeploymentID(ctx)},
		{"worker_id", GetWorkerID(ctx)},
	} {
		if c.value != "" {
			fields = append(fields, zap.String(c.name, c.value))
		}
	}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	return logger.With(fields...)
}

// HTTPMiddlewareWithCorrelation wraps an HTTP handler so every request
// carries a request ID and correlation ID in its context, echoing the
// request ID back in the response headers.
func HTTPMiddlewareWithCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeaderKey)
		if requestID == "" {
			requestID = GenerateRequestID()
		}
		correlationID := r.Header.Get(CorrelationIDHeaderKey)
		if correlationID == "" {
			correlationID = requestID
		}

		ctx := WithCorrelationID(WithRequestID(r.Context(), requestID), correlationID)
		w.Header().Set(RequestIDHeaderKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
