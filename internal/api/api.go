// Package api exposes the session manager over HTTP for the web frontend:
// device enumeration, session start/stop, a status snapshot, and a
// WebSocket feed of track and status events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/needledrop/needledrop/internal/session"
)

const (
	// wsQueueDepth bounds the per-client event queue. A client that cannot
	// keep up loses intermediate events, never blocks the detection loop.
	wsQueueDepth = 16

	// wsWriteTimeout caps how long a single event write may take before the
	// connection is considered dead.
	wsWriteTimeout = 5 * time.Second
)

// Server serves the control API for a single [session.Manager].
type Server struct {
	manager *session.Manager
}

// NewServer creates a Server driving the given manager.
func NewServer(m *session.Manager) *Server {
	return &Server{manager: m}
}

// Register adds the API routes to mux:
//
//	GET  /devices — enumerate capture devices
//	GET  /status  — current session snapshot
//	POST /start   — start a session (JSON body selects the device)
//	POST /stop    — stop the active session
//	GET  /ws      — WebSocket event feed (track_update / status_update)
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("GET /ws", s.handleWS)
}

// deviceInfo is one entry of the devices response.
type deviceInfo struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Channels int    `json:"channels"`
}

// devicesResponse is the JSON body returned from the devices endpoint.
type devicesResponse struct {
	Devices []deviceInfo `json:"devices"`
}

// handleDevices handles GET /devices.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.manager.Devices()
	if err != nil {
		writeError(w, http.StatusBadGateway, "enumerating devices: "+err.Error())
		return
	}

	resp := devicesResponse{Devices: make([]deviceInfo, 0, len(devs))}
	for _, d := range devs {
		resp.Devices = append(resp.Devices, deviceInfo{
			Index:    d.Index,
			Name:     d.Name,
			Channels: d.Channels,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.manager.Status()
	writeJSON(w, http.StatusOK, st)
}

// startRequest is the JSON body for the start endpoint. An absent or null
// device_index selects the backend's default capture device.
type startRequest struct {
	DeviceIndex *int `json:"device_index"`
}

// handleStart handles POST /start. Starting while a session is active
// returns 409 Conflict.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// An empty body is fine: it means "use the default device".
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	deviceIndex := -1
	if req.DeviceIndex != nil {
		deviceIndex = *req.DeviceIndex
	}

	if err := s.manager.Start(r.Context(), deviceIndex); err != nil {
		if s.manager.IsRunning() {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	st := s.manager.Status()
	writeJSON(w, http.StatusOK, st)
}

// handleStop handles POST /stop. Stopping with no active session returns
// 409 Conflict.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	st := s.manager.Status()
	writeJSON(w, http.StatusOK, st)
}

// handleWS handles GET /ws. The server only writes; incoming frames are
// drained by CloseRead so client disconnects surface as context
// cancellation. Each client first receives a status snapshot, then live
// events as the session produces them.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream aborted")

	ctx := conn.CloseRead(r.Context())

	events, cancel := s.manager.Subscribe(wsQueueDepth)
	defer cancel()

	// Snapshot first so the client does not wait for the next transition.
	st := s.manager.Status()
	if err := writeEvent(ctx, conn, session.Event{Type: session.EventStatus, Status: &st}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event feed closed")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// writeEvent sends one event as a JSON text frame with a bounded deadline.
func writeEvent(ctx context.Context, conn *websocket.Conn, ev session.Event) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}

// errorResponse is the JSON body for failed requests.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error body with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding response"}`, http.StatusInternalServerError)
	}
}
