package handler

import (
	"log/slog"
	"net/http"
	"strings"

	appI18n "github.com/pavelanni/genassess/internal/i18n"
	"github.com/pavelanni/genassess/internal/model"
)

// OwnerHeader carries the calling teacher's id. Authentication happens
// upstream; this service trusts the header.
const OwnerHeader = "X-User-ID"

// requireOwner rejects requests without an owner id and stores the id in
// the request context.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			slog.Warn("request without owner", "method", r.Method, "path", r.URL.Path)
			writeMessage(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrMissingOwner"))
			return
		}
		ctx := model.ContextWithOwner(r.Context(), owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
