package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const CorrelationHeader = "X-Correlation-ID"

type correlationKeyType struct{}

var correlationKey correlationKeyType

// CorrelationID propagates the caller's correlation id, or assigns a new
// one, and echoes it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get(CorrelationHeader)
		if corrID == "" {
			corrID = uuid.New().String()
		}
		w.Header().Set(CorrelationHeader, corrID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, corrID)))
	})
}

func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}
