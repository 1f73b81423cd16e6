// pkg/httpserver/middleware.go
package httpserver

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/pkg/logger"
)

// Middleware оборачивает http.Handler.
type Middleware func(http.Handler) http.Handler

// Recover превращает панику обработчика в 500 и пишет стек в лог.
func Recover(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rcv := recover()
				if rcv == nil {
					return
				}
				if rcv == http.ErrAbortHandler {
					panic(rcv)
				}
				log.WithContext(r.Context()).Error("handler panic",
					zap.Any("panic", rcv),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				writeStatus(w, http.StatusInternalServerError, "internal error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS разрешает браузерный доступ к управляющему API с заданных origin.
func CORS(origins []string) Middleware {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

func writeStatus(w http.ResponseWriter, code int, status string, extra ...string) {
	body := map[string]string{"status": status}
	if len(extra) > 0 {
		body["reason"] = extra[0]
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
