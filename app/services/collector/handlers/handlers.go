// Package handlers manages the debug endpoints for the collector service.
package handlers

import (
	"encoding/json"
	"expvar"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/dimfeld/httptreemux/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rylaix/mevguard/business/sys/tracking"
	"github.com/rylaix/mevguard/foundation/events"
	"go.uber.org/zap"
)

// MuxConfig contains all the mandatory systems required by handlers.
type MuxConfig struct {
	Build    string
	Log      *zap.SugaredLogger
	Tracking *tracking.Store
	Evts     *events.Events
}

// DebugMux registers the standard library debug routes plus the collector
// status and event endpoints. The DefaultServerMux is bypassed so a
// dependency cannot inject a handler without us knowing it.
func DebugMux(cfg MuxConfig) http.Handler {
	mux := httptreemux.NewContextMux()

	mux.GET("/debug/pprof/", pprof.Index)
	mux.GET("/debug/pprof/cmdline", pprof.Cmdline)
	mux.GET("/debug/pprof/profile", pprof.Profile)
	mux.GET("/debug/pprof/symbol", pprof.Symbol)
	mux.GET("/debug/pprof/trace", pprof.Trace)
	mux.Handler(http.MethodGet, "/debug/vars", expvar.Handler())

	hdl := handlers{
		build:    cfg.Build,
		log:      cfg.Log,
		tracking: cfg.Tracking,
		evts:     cfg.Evts,
	}
	mux.GET("/debug/readiness", hdl.readiness)
	mux.GET("/debug/liveness", hdl.liveness)
	mux.GET("/v1/status", hdl.status)
	mux.GET("/v1/events", hdl.events)

	return mux
}

type handlers struct {
	build    string
	log      *zap.SugaredLogger
	tracking *tracking.Store
	evts     *events.Events
	ws       websocket.Upgrader
}

// readiness checks whether the tracking store is reachable.
func (h handlers) readiness(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	statusCode := http.StatusOK
	if _, err := h.tracking.Counts(); err != nil {
		status = "tracking store not ready"
		statusCode = http.StatusInternalServerError
	}

	respond(w, statusCode, struct {
		Status string `json:"status"`
	}{status})

	h.log.Infow("readiness", "statusCode", statusCode, "method", r.Method, "path", r.URL.Path, "remoteaddr", r.RemoteAddr)
}

// liveness returns simple status info for machine consumption.
func (h handlers) liveness(w http.ResponseWriter, r *http.Request) {
	host, err := os.Hostname()
	if err != nil {
		host = "unavailable"
	}

	respond(w, http.StatusOK, struct {
		Status     string `json:"status,omitempty"`
		Build      string `json:"build,omitempty"`
		Host       string `json:"host,omitempty"`
		GOMAXPROCS int    `json:"GOMAXPROCS,omitempty"`
	}{
		Status:     "up",
		Build:      h.build,
		Host:       host,
		GOMAXPROCS: runtime.GOMAXPROCS(0),
	})

	h.log.Infow("liveness", "method", r.Method, "path", r.URL.Path, "remoteaddr", r.RemoteAddr)
}

// status reports what the collector has processed so far.
func (h handlers) status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tracking.Counts()
	if err != nil {
		respond(w, http.StatusInternalServerError, struct {
			Error string `json:"error"`
		}{err.Error()})
		return
	}

	latest, known, err := h.tracking.LatestBlock()
	if err != nil {
		respond(w, http.StatusInternalServerError, struct {
			Error string `json:"error"`
		}{err.Error()})
		return
	}

	respond(w, http.StatusOK, struct {
		LatestBlock  uint64 `json:"latestBlock"`
		HasBlocks    bool   `json:"hasBlocks"`
		Blocks       int    `json:"blocks"`
		Bundles      int    `json:"bundles"`
		Transactions int    `json:"transactions"`
	}{
		LatestBlock:  latest,
		HasBlocks:    known,
		Blocks:       stats.Blocks,
		Bundles:      stats.Bundles,
		Transactions: stats.Transactions,
	})
}

// events handles a web socket to stream collection events to a client.
func (h handlers) events(w http.ResponseWriter, r *http.Request) {
	h.ws.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.ws.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorw("events", "ERROR", err)
		return
	}
	defer c.Close()

	id := uuid.NewString()
	ch := h.evts.Acquire(id)
	defer h.evts.Release(id)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

// respond converts a Go value to JSON and sends it to the client.
func respond(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
