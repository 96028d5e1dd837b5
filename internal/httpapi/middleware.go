package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/reqcontext"
)

const correlationIDHeader = "X-Correlation-ID"

// requestScopeMiddleware tags every request with a request id (the client's
// X-Request-Id when valid, otherwise a fresh UUID) and a correlation id, echoes
// both as response headers and stores a logger carrying them in the context.
// Headers are set before next runs so they survive a panic in the handler.
func requestScopeMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := reqcontext.GetOrGenerateRequestID(r.Header.Get(reqcontext.RequestIDHeader))
			correlationID := r.Header.Get(correlationIDHeader)
			if correlationID == "" {
				correlationID = reqcontext.GenerateCorrelationID()
			}

			w.Header().Set(reqcontext.RequestIDHeader, requestID)
			w.Header().Set(correlationIDHeader, correlationID)

			ctx := reqcontext.WithRequestID(r.Context(), requestID)
			ctx = reqcontext.WithCorrelationID(ctx, correlationID)
			ctx = reqcontext.WithRequestSource(ctx, reqcontext.SourceRESTAPI)
			ctx = WithLogger(ctx, logger.With("request_id", requestID, "correlation_id", correlationID))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, reqcontext.LoggerKey, logger)
}

// GetLogger retrieves the request-scoped logger, or a nop logger outside a request.
func GetLogger(ctx context.Context) *zap.SugaredLogger {
	if ctx == nil {
		return zap.NewNop().Sugar()
	}
	if logger, ok := ctx.Value(reqcontext.LoggerKey).(*zap.SugaredLogger); ok && logger != nil {
		return logger
	}
	return zap.NewNop().Sugar()
}
