package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/blah-code/blah-code/internal/broker"
	"github.com/blah-code/blah-code/internal/engine"
	"github.com/blah-code/blah-code/internal/logging"
	"github.com/blah-code/blah-code/internal/policy"
	"github.com/blah-code/blah-code/internal/store"
	"github.com/blah-code/blah-code/pkg/types"
)

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           "daemon",
		"cwd":            d.cfg.Cwd,
		"modelId":        d.cfg.ModelID,
		"apiKeyPresent":  apiKeyPresent(),
		"activeSessions": d.activeSessionIDs(),
		"dbPath":         d.cfg.DBPath,
		"logPath":        d.cfg.LogPath,
		"daemonHealthy":  true,
	})
}

func (d *Daemon) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	tail, err := tailFile(d.cfg.LogPath, lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": d.cfg.LogPath, "lines": tail})
}

// tailFile returns the last n lines of path. A missing file yields an empty
// slice rather than an error, since a daemon that hasn't logged anything
// yet is not a failure.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("daemon: open log file: %w", err)
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("daemon: read log file: %w", err)
	}

	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}

func (d *Daemon) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": d.tools.ListToolSpecs()})
}

func (d *Daemon) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policy": d.currentPolicy()})
}

func (d *Daemon) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Policy map[string]any `json:"policy"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	normalized, err := policy.Normalize(policy.Policy(body.Policy))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d.setPolicy(normalized)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "policy": normalized})
}

func (d *Daemon) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := d.store.CreateSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sess.ID})
}

func (d *Daemon) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}

	sessions, err := d.store.ListSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (d *Daemon) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := d.store.UpdateSessionName(sessionID, body.Name); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (d *Daemon) handlePrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := d.store.GetSession(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}

	var body struct {
		Prompt    string `json:"prompt"`
		ModelID   string `json:"modelId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if !apiKeyPresent() {
		writeError(w, http.StatusBadRequest, "no API key resolvable")
		return
	}

	modelID := body.ModelID
	if modelID == "" {
		modelID = d.cfg.ModelID
	}

	ctx, cancel := context.WithCancel(r.Context())
	d.registerRun(sessionID, cancel)
	defer func() {
		cancel()
		d.unregisterRun(sessionID)
	}()

	result, runErr := engine.Run(ctx, engine.Options{
		SessionID:   sessionID,
		Prompt:      body.Prompt,
		ModelID:     modelID,
		Cwd:         d.cfg.Cwd,
		Policy:      d.currentPolicy(),
		ToolRuntime: d.tools,
		Transport:   d.transport,
		TimeoutMs:   body.TimeoutMs,
		OnEvent: func(kind types.EventKind, payload map[string]any) {
			if _, err := d.store.AppendEvent(sessionID, kind, payload); err != nil {
				logging.Error().Err(err).Str("sessionId", sessionID).Str("kind", string(kind)).Msg("failed to append event")
			}
		},
		OnPermissionRequest: func(ctx context.Context, req types.PermissionRequest) (engine.PermissionResolution, error) {
			res, err := d.broker.Enqueue(ctx, req)
			if err != nil {
				return engine.PermissionResolution{}, err
			}
			return engine.PermissionResolution{Decision: res.Decision, Remember: res.Remember}, nil
		},
	})
	if runErr != nil {
		writeJSON(w, http.StatusOK, map[string]any{"output": result.Text, "policy": result.Policy, "error": runErr.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"output": result.Text, "policy": result.Policy})
}

func (d *Daemon) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	events, err := d.store.ListEvents(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (d *Daemon) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, d.broker.List(sessionID))
}

func (d *Daemon) handleReplyPermission(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")

	var body struct {
		Decision string `json:"decision"`
		Remember *struct {
			Key     string `json:"key"`
			Pattern string `json:"pattern"`
		} `json:"remember"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	decision := types.Decision(body.Decision)
	switch decision {
	case types.DecisionAllow, types.DecisionDeny, types.DecisionAsk:
	default:
		writeError(w, http.StatusBadRequest, "decision must be one of allow|deny|ask")
		return
	}

	var remember *types.RememberRule
	if body.Remember != nil {
		remember = &types.RememberRule{Key: body.Remember.Key, Pattern: body.Remember.Pattern, Decision: decision}
	}

	if err := d.broker.Reply(sessionID, requestID, decision, remember); err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (d *Daemon) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	d.cancelRun(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (d *Daemon) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body struct {
		Name    string `json:"name"`
		Summary string `json:"summary"`
	}
	_ = decodeJSON(r, &body)

	checkpointID := ulid.Make().String()
	payload := map[string]any{"checkpointId": checkpointID}
	if body.Name != "" {
		payload["name"] = body.Name
	}
	if body.Summary != "" {
		payload["summary"] = body.Summary
	}

	if _, err := d.store.AppendEvent(sessionID, types.EventCheckpoint, payload); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpointId": checkpointID})
}

func (d *Daemon) handleRevert(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body struct {
		CheckpointID string `json:"checkpointId"`
	}
	if err := decodeJSON(r, &body); err != nil || body.CheckpointID == "" {
		writeError(w, http.StatusBadRequest, "checkpointId is required")
		return
	}

	if _, err := d.store.AppendEvent(sessionID, types.EventRevert, map[string]any{"checkpointId": body.CheckpointID}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeBrokerError(w http.ResponseWriter, err error) {
	if errors.Is(err, broker.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown session or permission request")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
