// Package main - server.go
//
// HTTP control surface. REST endpoints drive the bot and the device bridge;
// a websocket stream relays bus events to connected clients. The server is
// the only writer of config deltas at runtime.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Server exposes the REST and websocket API.
type Server struct {
	cfg      *ConfigManager
	bridge   *AdbBridge
	executor *ActionExecutor
	bot      *Orchestrator
	vision   *VisionAnalyzer
	bus      *EventBus
	ring     *LogRing

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer wires the API server.
func NewServer(cfg *ConfigManager, bridge *AdbBridge, executor *ActionExecutor, bot *Orchestrator, vision *VisionAnalyzer, bus *EventBus, ring *LogRing) *Server {
	s := &Server{
		cfg:      cfg,
		bridge:   bridge,
		executor: executor,
		bot:      bot,
		vision:   vision,
		bus:      bus,
		ring:     ring,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// local control surface, same-origin rules do not apply
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Post("/devices/scan", s.handleScanDevices)
		r.Post("/devices/connect", s.handleConnectDevice)
		r.Post("/devices/disconnect", s.handleDisconnectDevice)

		r.Route("/bot", func(r chi.Router) {
			r.Post("/start", s.handleBotStart)
			r.Post("/stop", s.handleBotStop)
			r.Post("/pause", s.handleBotPause)
			r.Post("/resume", s.handleBotResume)
			r.Post("/toggle", s.handleBotToggle)
			r.Get("/status", s.handleBotStatus)
			r.Get("/stats", s.handleBotStats)
			r.Get("/logs", s.handleBotLogs)
			r.Get("/config", s.handleGetConfig)
			r.Patch("/config", s.handlePatchConfig)
		})

		r.Route("/device", func(r chi.Router) {
			r.Post("/tap", s.handleTap)
			r.Post("/swipe", s.handleSwipe)
			r.Post("/key", s.handleKey)
			r.Post("/text", s.handleText)
			r.Get("/screenshot", s.handleScreenshot)
		})
	})

	r.Get("/ws", s.handleWebsocket)
	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Snapshot().Server
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("api server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Warn().Err(err).Msg("response encode failed")
		}
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody parses an optional JSON body. An empty body is fine: every
// endpoint using it treats all parameters as optional.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// resolveDevice picks the device a manual endpoint should act on: explicit
// query parameter, then the bot's session device, then the first connected
// device.
func (s *Server) resolveDevice(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("deviceId"); id != "" {
		return id, nil
	}
	if status := s.bot.Status(); status.DeviceID != "" {
		return status.DeviceID, nil
	}
	for _, d := range s.bridge.Devices() {
		if d.Status == DeviceConnected {
			return d.ID, nil
		}
	}
	return "", fmt.Errorf("no device available: %w", ErrDeviceUnreachable)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.bridge.ListDevices(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleScanDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.bridge.AutoDiscover(r.Context(), s.cfg.Snapshot().Adb)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address == "" {
		respondError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}
	if err := s.bridge.Connect(r.Context(), req.Address); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	s.bus.Emit(EventDeviceConnected, map[string]any{"address": req.Address})
	respondJSON(w, http.StatusOK, map[string]any{"connected": req.Address})
}

func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address == "" {
		respondError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}
	if err := s.bridge.Disconnect(r.Context(), req.Address); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	s.bus.Emit(EventDeviceDisconnected, map[string]any{"address": req.Address})
	respondJSON(w, http.StatusOK, map[string]any{"disconnected": req.Address})
}

func opStatus(res OpResult) int {
	if res.OK {
		return http.StatusOK
	}
	return http.StatusConflict
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	res := s.bot.Start(req.DeviceID)
	respondJSON(w, opStatus(res), res)
}

func (s *Server) handleBotStop(w http.ResponseWriter, _ *http.Request) {
	res := s.bot.Stop()
	respondJSON(w, opStatus(res), res)
}

func (s *Server) handleBotPause(w http.ResponseWriter, _ *http.Request) {
	res := s.bot.Pause()
	respondJSON(w, opStatus(res), res)
}

func (s *Server) handleBotResume(w http.ResponseWriter, _ *http.Request) {
	res := s.bot.Resume()
	respondJSON(w, opStatus(res), res)
}

func (s *Server) handleBotToggle(w http.ResponseWriter, _ *http.Request) {
	res := s.bot.TogglePause()
	respondJSON(w, opStatus(res), res)
}

func (s *Server) handleBotStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.bot.Status())
}

func (s *Server) handleBotStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"bot":    s.bot.Stats(),
		"vision": s.vision.Stats(),
	})
}

func (s *Server) handleBotLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": s.ring.Last(limit)})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Bot())
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var delta BotConfigDelta
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.cfg.UpdateBot(delta)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	deviceID, err := s.resolveDevice(r)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	ok, err := s.executor.Tap(r.Context(), deviceID, req.X, req.Y)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X1         int `json:"x1"`
		Y1         int `json:"y1"`
		X2         int `json:"x2"`
		Y2         int `json:"y2"`
		DurationMs int `json:"durationMs"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.DurationMs <= 0 {
		req.DurationMs = 300
	}
	deviceID, err := s.resolveDevice(r)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	ok, err := s.executor.Swipe(r.Context(), deviceID, req.X1, req.Y1, req.X2, req.Y2, req.DurationMs)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code int `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	deviceID, err := s.resolveDevice(r)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	ok, err := s.executor.SendKeyEvent(r.Context(), deviceID, req.Code)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	deviceID, err := s.resolveDevice(r)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	ok, err := s.executor.SendText(r.Context(), deviceID, req.Text)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.resolveDevice(r)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	if r.URL.Query().Get("fresh") == "true" {
		s.executor.InvalidateScreenshot(deviceID)
	}
	data, err := s.executor.Screenshot(r.Context(), deviceID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Warn().Err(err).Msg("screenshot write failed")
	}
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWebsocket streams bus events to the client until either side closes.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.bus.Subscribe()
	defer cancel()

	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")

	// drain reads so close frames and pongs are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("websocket client dropped")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
