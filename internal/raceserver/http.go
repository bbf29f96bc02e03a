package raceserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// HTTP exposes the race control surface and the subscriber websocket. Inputs
// arrive pre-validated by the caller; the engine enforces its own contract.
type HTTP struct {
	server *http.Server
	logger Logger

	port     uint16
	engine   *RaceEngine
	hub      *Hub
	actuator PowerActuator
	store    *ResultsStore
	metrics  *Metrics

	upgrader websocket.Upgrader
}

func NewHTTP(port uint16, engine *RaceEngine, hub *Hub, actuator PowerActuator, store *ResultsStore, metrics *Metrics, logger Logger) *HTTP {
	return &HTTP{
		port:     port,
		engine:   engine,
		hub:      hub,
		actuator: actuator,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *HTTP) Listen() error {
	h.logger.Infof("HTTP server listening on port: %d", h.port)

	h.server = &http.Server{
		Handler: h.Router(),
		Addr:    fmt.Sprintf(":%d", h.port),
	}

	go func() {
		err := h.server.ListenAndServe()

		if err == http.ErrServerClosed {
			return
		} else if err != nil {
			h.logger.WithError(err).Errorf("Could not start HTTP server")
		}
	}()

	return nil
}

func (h *HTTP) Close() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}

func (h *HTTP) Router() http.Handler {
	router := chi.NewRouter()

	router.Post("/api/race/setup", h.SetupRace)
	router.Post("/api/race/start", h.StartRace)
	router.Post("/api/race/pause", h.PauseRace)
	router.Post("/api/race/resume", h.ResumeRace)
	router.Post("/api/race/stop", h.StopRace)
	router.Post("/api/race/power", h.SetPower)
	router.Post("/api/track/emergency-stop", h.EmergencyStop)
	router.Get("/api/race/state", h.RaceState)
	router.Get("/api/results/{raceID}", h.Results)
	router.Get("/api/results/{raceID}/laps/{lane}", h.LapHistory)
	router.Get("/ws", h.WebSocket)
	router.Get("/healthz", h.Health)
	router.Mount("/metrics", h.metrics.Handler())

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Debugf("Could not find HTTP response for URL: %s", r.URL.String())

		http.NotFound(w, r)
	})

	return router
}

type setupRaceRequest struct {
	RaceID       int           `json:"race_id"`
	TrackID      int           `json:"track_id"`
	Participants []Participant `json:"participants"`
	Settings     RaceSettings  `json:"settings"`
}

func (h *HTTP) SetupRace(w http.ResponseWriter, r *http.Request) {
	var req setupRaceRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.engine.SetupRace(req.RaceID, req.TrackID, req.Participants, req.Settings); err != nil {
		switch errors.Cause(err) {
		case ErrRaceInProgress:
			writeError(w, http.StatusConflict, err)
		case ErrDuplicateLane:
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}

		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"race_id": req.RaceID, "status": "created"})
}

func (h *HTTP) StartRace(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StartCountdown(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "countdown"})
}

func (h *HTTP) PauseRace(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTP) ResumeRace(w http.ResponseWriter, r *http.Request) {
	h.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTP) StopRace(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setPowerRequest struct {
	Lane  int     `json:"lane"`
	Power float64 `json:"power"`
}

func (h *HTTP) SetPower(w http.ResponseWriter, r *http.Request) {
	var req setPowerRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h.actuator.SetPower(req.Lane, req.Power)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTP) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	h.actuator.EmergencyStopAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *HTTP) RaceState(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.engine.Snapshot()

	if !ok {
		writeError(w, http.StatusNotFound, ErrNoCurrentRace)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (h *HTTP) Results(w http.ResponseWriter, r *http.Request) {
	raceID, err := strconv.Atoi(chi.URLParam(r, "raceID"))

	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := h.store.Results(raceID)

	if errors.Cause(err) == ErrResultNotFound {
		writeError(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (h *HTTP) LapHistory(w http.ResponseWriter, r *http.Request) {
	raceID, err := strconv.Atoi(chi.URLParam(r, "raceID"))

	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	lane, err := strconv.Atoi(chi.URLParam(r, "lane"))

	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	laps, err := h.store.LapHistory(raceID, lane)

	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, laps)
}

func (h *HTTP) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.hub.ConnectionCount(),
	})
}

// wsCommand is what subscribers send over the socket.
type wsCommand struct {
	Action string `json:"action"`
	RaceID int    `json:"race_id"`
}

func (h *HTTP) WebSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)

	if err != nil {
		h.logger.WithError(err).Error("Could not upgrade websocket connection")
		return
	}

	conn := newWebsocketConn(socket)
	h.hub.Join(conn)

	defer func() {
		h.hub.Leave(conn)
		_ = conn.Close()
	}()

	for {
		var command wsCommand

		if err := socket.ReadJSON(&command); err != nil {
			h.logger.Debugf("Websocket connection %s closed: %v", conn.ID(), err)
			return
		}

		switch command.Action {
		case "subscribe":
			h.hub.Subscribe(conn, command.RaceID)
			h.hub.SendTo(conn, NewEvent("subscribed", map[string]int{"race_id": command.RaceID}))
		case "unsubscribe":
			h.hub.Unsubscribe(conn, command.RaceID)
		default:
			h.logger.Debugf("Unknown websocket action %q from connection %s", command.Action, conn.ID())
		}
	}
}

// websocketConn adapts a gorilla websocket to the hub's Conn interface.
// Writes are serialized by a mutex since the tick loop, lap events and
// point-to-point sends all target the same socket.
type websocketConn struct {
	id     string
	mu     sync.Mutex
	socket *websocket.Conn
}

func newWebsocketConn(socket *websocket.Conn) *websocketConn {
	return &websocketConn{
		id:     uuid.New().String(),
		socket: socket,
	}
}

func (c *websocketConn) ID() string {
	return c.id
}

func (c *websocketConn) WriteEvent(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.socket.WriteJSON(event)
}

func (c *websocketConn) Close() error {
	return c.socket.Close()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
