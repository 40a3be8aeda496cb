package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/gridpoint/plantgateway/internal/command"
	"github.com/gridpoint/plantgateway/internal/hub"
	"github.com/gridpoint/plantgateway/internal/model"
)

// handleCreateCommand validates and enqueues one write intent. The response
// carries the queued command; progress flows over /ws/commands.
func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req command.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &model.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	acc, err := s.effectiveAccess(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	p := principalFrom(r)
	req.UserID = p.UserID
	req.Username = p.Subject
	req.ClientIP = clientIP(r)

	cmd, err := s.commands.Create(r.Context(), acc, req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.record(r, "command.create", cmd.DatapointRef, map[string]interface{}{
		"command_id": cmd.CommandID,
		"plc":        cmd.PLCName,
		"kind":       string(cmd.Kind),
	})
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.commands.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cmd, err := s.commands.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.record(r, "command.cancel", id, map[string]interface{}{"status": string(cmd.Status)})
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	f, err := commandFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cmds, err := s.commands.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cmds == nil {
		cmds = []*model.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleCommandEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.commands.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []*model.CommandEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func commandFilter(r *http.Request) (model.CommandFilter, error) {
	q := r.URL.Query()
	f := model.CommandFilter{
		PLCName: q.Get("plc"),
		Status:  model.CommandStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, &model.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	var err error
	if f.Since, err = timeParam(q.Get("since"), "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(q.Get("until"), "until"); err != nil {
		return f, err
	}
	return f, nil
}

func timeParam(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &model.ValidationError{Field: field, Reason: "must be RFC3339"}
	}
	return &t, nil
}

// commandSnapshotFrames seeds a /ws/commands subscriber with the recent
// command log, oldest first so the client applies them in order.
func (s *Server) commandSnapshotFrames(r *http.Request) [][]byte {
	items, err := s.commands.RecentLog(r.Context(), 50)
	if err != nil {
		s.logger.Printf("command snapshot failed: %v", err)
		return nil
	}
	frame, err := json.Marshal(map[string]interface{}{
		"type":    "snapshot",
		"channel": hub.ChannelCommands,
		"items":   items,
		"ts":      time.Now().UTC(),
	})
	if err != nil {
		return nil
	}
	return [][]byte{frame}
}
