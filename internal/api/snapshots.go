package api

import (
	"net/http"
	"time"

	"github.com/gridpoint/plantgateway/internal/access"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/snapshot"
)

// effectiveAccess resolves the caller's grants into an access set. Admin
// permissions bypass filtering entirely.
func (s *Server) effectiveAccess(r *http.Request) (*access.Effective, error) {
	p := principalFrom(r)
	if p.IsAdmin() {
		return access.AdminBypass(), nil
	}
	grants, err := s.store.GrantsFor(r.Context(), p.UserID, p.RoleIDs)
	if err != nil {
		return nil, err
	}
	idx, err := s.store.LoadIndex(r.Context())
	if err != nil {
		return nil, err
	}
	ptrs := make([]*model.Grant, len(grants))
	for i := range grants {
		ptrs[i] = &grants[i]
	}
	return access.Compute(ptrs, idx), nil
}

// handleSnapshot serves the current values of every PLC the caller may see,
// arranged by the configuration tree with invisible branches pruned.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	acc, err := s.effectiveAccess(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	trees, err := s.store.LoadTree(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := snapshot.FilteredView(s.snapshots, trees, acc)
	if views == nil {
		views = []*snapshot.DeviceView{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"devices":   views,
	})
}

func (s *Server) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.HealthSnapshot())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
