// logging.go — журнал HTTP-запросов индексатора: идентификатор запроса,
// пользователь поиска и статус ответа.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID — заголовок идентификатора запроса.
const HeaderRequestID = "X-Request-Id"

const contextKeyRequestInfo contextKey = "request_info"

// requestInfo заполняется внутренними middleware и попадает в запись журнала.
type requestInfo struct {
	id   string
	user string
}

// setRequestUser запоминает пользователя запроса для журнала.
func setRequestUser(ctx context.Context, user string) {
	if info, ok := ctx.Value(contextKeyRequestInfo).(*requestInfo); ok {
		info.user = user
	}
}

// RequestID возвращает идентификатор текущего запроса.
func RequestID(ctx context.Context) string {
	if info, ok := ctx.Value(contextKeyRequestInfo).(*requestInfo); ok {
		return info.id
	}
	return ""
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger пишет по записи на запрос. Пробы /health/ пишутся на
// уровне DEBUG, ответы 4xx на WARN, 5xx на ERROR. Идентификатор запроса
// берётся из X-Request-Id или генерируется и возвращается в ответе.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{id: r.Header.Get(HeaderRequestID)}
			if info.id == "" {
				info.id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, info.id)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), contextKeyRequestInfo, info)))

			var level slog.Level
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			case strings.HasPrefix(r.URL.Path, "/health/"):
				level = slog.LevelDebug
			default:
				level = slog.LevelInfo
			}

			attrs := []slog.Attr{
				slog.String("request_id", info.id),
				slog.String("method", r.Method),
				slog.String("route", routePattern(r)),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
			}
			if info.user != "" {
				attrs = append(attrs, slog.String("user", info.user))
			}
			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}
