package guard

import (
	"net/http"

	"github.com/wagerline/platform/internal/store"
)

// Idempotency rejects a second mutating request carrying an already-seen
// Idempotency-Key header. Requests without the header pass through; the
// component-level correlation checks still apply to them.
type Idempotency struct {
	store store.Store
}

// NewIdempotency creates the guard on the shared store.
func NewIdempotency(st store.Store) *Idempotency {
	return &Idempotency{store: st}
}

// Middleware applies the replay check to POST, PUT, PATCH and DELETE.
func (g *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		fresh := false
		err := g.store.InTx(r.Context(), func(tx store.Tx) error {
			var err error
			fresh, err = g.store.SetIfAbsent(tx, "http:"+r.Method+":"+r.URL.Path+":"+key)
			return err
		})
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"status":"error","error":{"kind":"internal","message":"idempotency check failed"}}`))
			return
		}
		if !fresh {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"status":"error","error":{"kind":"conflict","message":"duplicate idempotency key"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
