package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/internal/observability"
	"github.com/3leaps/fmaxsweep/internal/server/middleware"
	"github.com/3leaps/fmaxsweep/pkg/control"
)

const maxCommandBody = 64 << 10

// CommandResponse acknowledges an applied command.
type CommandResponse struct {
	Applied control.Command `json:"applied"`
}

// ControlHandlers serves snapshots and accepts commands for one run.
type ControlHandlers struct {
	ctl control.Controller
}

// NewControlHandlers wraps ctl.
func NewControlHandlers(ctl control.Controller) *ControlHandlers {
	return &ControlHandlers{ctl: ctl}
}

// Snapshot handles GET /api/v1/snapshot. The optional logs query parameter
// names a job whose stdout tail is included.
func (h *ControlHandlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ctl.Snapshot(r.URL.Query().Get("logs"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Command handles POST /api/v1/commands with a JSON control.Command body.
// Job ids contain slashes, so they travel in the body rather than the path.
// It returns once the engine applied the command.
func (h *ControlHandlers) Command(w http.ResponseWriter, r *http.Request) {
	var cmd control.Command
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCommandBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid command body: "+err.Error())
		return
	}
	kind, err := control.ParseKind(string(cmd.Kind))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	cmd.Kind = kind
	if cmd.JobID == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "job_id is required")
		return
	}

	if err := h.ctl.Submit(r.Context(), cmd); err != nil {
		observability.CLILogger.Debug("Command rejected", zap.Stringer("command", cmd), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{Applied: cmd})
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// VersionHandler reports build information.
func VersionHandler(info VersionResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}
