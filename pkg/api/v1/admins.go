package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/admins"
	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
)

// AdminsRoutes serves the token administrator list. All routes require
// the admin scope.
type AdminsRoutes struct {
	admins *admins.Manager
}

// AdminsRouter creates the /admins subrouter.
func AdminsRouter(adminMgr *admins.Manager) http.Handler {
	routes := &AdminsRoutes{admins: adminMgr}

	r := chi.NewRouter()
	r.Get("/", routes.list)
	r.Post("/", routes.add)
	r.Delete("/{username}", routes.remove)
	return r
}

type adminEntry struct {
	Username string `json:"username"`
}

func (s *AdminsRoutes) list(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	usernames, err := s.admins.List(r.Context())
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	entries := make([]adminEntry, 0, len(usernames))
	for _, username := range usernames {
		entries = append(entries, adminEntry{Username: username})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *AdminsRoutes) add(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req adminEntry
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteDetail(w, http.StatusUnprocessableEntity, auth.Detail{
			Msg:  "request body is not valid JSON",
			Type: errors.ErrValidation,
			Loc:  []string{"body"},
		})
		return
	}
	if err := s.admins.Add(r.Context(), req.Username); err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *AdminsRoutes) remove(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if err := s.admins.Remove(r.Context(), chi.URLParam(r, "username")); err != nil {
		auth.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
