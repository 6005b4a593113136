package grader

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bosley/poise/metrics"
	poiseserv "github.com/bosley/poise/server"
	"github.com/bosley/poise/store"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Subscription key for connections that want every report
	allReports = "*"
)

type wsConnection struct {
	conn      *websocket.Conn
	key       string
	send      chan []byte
	grader    *Grader
	closeOnce sync.Once
}

// Handler returns the HTTP API.
func (g *Grader) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/reports", g.handleListReports).Methods("GET")
	router.HandleFunc("/api/reports/{id}", g.handleGetReport).Methods("GET")
	router.HandleFunc("/api/live", g.handleListLive).Methods("GET")
	router.HandleFunc("/api/live/{id}", g.handleDisconnect).Methods("DELETE")
	router.HandleFunc("/ws", g.handleWebSocket)
	router.HandleFunc("/ws/{id}", g.handleWebSocket)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", g.handleHealth).Methods("GET")

	if g.config.StaticDir != "" {
		staticFS := http.FileServer(http.Dir(g.config.StaticDir))
		router.PathPrefix("/").Handler(staticFS)
	}

	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleListReports returns the most recent reports, newest first
func (g *Grader) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := g.config.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var records []store.Record
	if g.store != nil {
		var err error
		records, err = g.store.List(r.Context(), limit)
		if err != nil {
			slog.Error("Failed to list reports", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	} else {
		records = g.recent.list(limit)
	}
	if records == nil {
		records = []store.Record{}
	}

	slog.Debug("Sending report list", "numReports", len(records))
	writeJSON(w, http.StatusOK, records)
}

func (g *Grader) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if rec, ok := g.recent.get(id); ok {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if g.store != nil {
		rec, err := g.store.Get(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to load report", "error", err, "id", id)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}
	http.Error(w, "Report not found", http.StatusNotFound)
}

func (g *Grader) handleListLive(w http.ResponseWriter, r *http.Request) {
	clients := []poiseserv.ClientInfo{}
	if g.live != nil {
		clients = g.live.List()
	}
	writeJSON(w, http.StatusOK, clients)
}

func (g *Grader) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if g.live == nil {
		http.Error(w, "Client not found", http.StatusNotFound)
		return
	}
	if err := g.live.Disconnect(id); err != nil {
		if errors.Is(err, poiseserv.ErrUnknownSession) {
			http.Error(w, "Client not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	slog.Info("Disconnected client on request", "clientID", id)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Grader) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebSocket subscribes to the report with the given id, or to every report when no
// id is given.
func (g *Grader) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["id"]
	if key == "" {
		key = allReports
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	wsConn := &wsConnection{
		conn:   conn,
		key:    key,
		send:   make(chan []byte, 256),
		grader: g,
	}

	g.registerSubscriber(wsConn)

	go wsConn.writePump()
	go wsConn.readPump()
}

func (g *Grader) registerSubscriber(c *wsConnection) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	g.subscribers[c.key] = append(g.subscribers[c.key], c)
	metrics.Subscribers.Inc()
}

func (g *Grader) unregisterSubscriber(c *wsConnection) {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	connections := g.subscribers[c.key]
	for i, conn := range connections {
		if conn == c {
			connections = append(connections[:i], connections[i+1:]...)
			metrics.Subscribers.Dec()
			c.closeOnce.Do(func() { close(c.send) })
			break
		}
	}

	if len(connections) == 0 {
		delete(g.subscribers, c.key)
	} else {
		g.subscribers[c.key] = connections
	}
}

// SubscriberCount is the number of open WebSocket subscriptions.
func (g *Grader) SubscriberCount() int {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	n := 0
	for _, conns := range g.subscribers {
		n += len(conns)
	}
	return n
}

func (g *Grader) broadcast(id string, data []byte) {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	targets := append(append([]*wsConnection(nil), g.subscribers[id]...), g.subscribers[allReports]...)
	if len(targets) == 0 {
		slog.Debug("No subscribers found for report", "id", id)
		return
	}
	for i, conn := range targets {
		select {
		case conn.send <- data:
			slog.Debug("Sent message to subscriber",
				"id", id,
				"connectionIndex", i)
		default:
			slog.Warn("Failed to send to subscriber - channel full",
				"id", id,
				"connectionIndex", i)
		}
	}
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConnection) readPump() {
	defer func() {
		c.grader.unregisterSubscriber(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}
	}
}
