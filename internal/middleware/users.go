package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/workmarket/backend/internal/models"
)

// UserEnsurer creates the user row of a principal unless it exists.
type UserEnsurer interface {
	Ensure(ctx context.Context, u *models.User) error
}

// EnsureUser makes sure every authenticated principal has a users row before
// the handler runs; balances, tasks and deals reference it. Ids already seen
// by this process are not written again. It must run after BearerAuth.
func EnsureUser(e UserEnsurer, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	var known sync.Map
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromCtx(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if _, seen := known.Load(p.UserID); !seen {
				if err := e.Ensure(r.Context(), &models.User{ID: p.UserID, Role: p.Role}); err != nil {
					logger.Error("ensure user", "user_id", p.UserID, "error", err)
					http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
					return
				}
				known.Store(p.UserID, struct{}{})
			}
			next.ServeHTTP(w, r)
		})
	}
}
