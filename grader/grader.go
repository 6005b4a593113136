// Package grader scores recording bundles dropped into an inbox directory and serves every
// report, live or recorded, over HTTP and WebSocket.
package grader

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/bosley/poise/audio"
	"github.com/bosley/poise/engine"
	poiseserv "github.com/bosley/poise/server"
	"github.com/bosley/poise/store"
)

var ErrStopped = errors.New("grader: stopped")

type Config struct {
	Address string `mapstructure:"address"`
	// Serves plain HTTP when either is empty.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// Bundles created here are graded once they contain a done marker.
	InboxDir  string `mapstructure:"inbox_dir"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`

	// Reports are persisted to this SQLite database when set.
	DBPath string `mapstructure:"db_path"`
	// Number of reports kept in memory and returned by default from the list endpoint.
	HistoryLimit int `mapstructure:"history_limit"`

	// Origins allowed to open a WebSocket. Empty allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	StaticDir      string   `mapstructure:"static_dir"`
}

func DefaultConfig() Config {
	return Config{
		Address:      ":8444",
		Workers:      2,
		QueueSize:    100,
		HistoryLimit: 100,
	}
}

// Live exposes the sessions connected to the ingest server.
type Live interface {
	List() []poiseserv.ClientInfo
	Disconnect(id string) error
}

// Grader manages grading and report distribution
type Grader struct {
	config   Config
	engine   engine.Config
	analyser audio.AnalyserConfig
	live     Live

	// File system watcher
	watcher *fsnotify.Watcher
	queued  sync.Map // map[string]struct{} of bundle dirs already queued

	// Report management
	recent *history
	store  *store.Store

	subMu       sync.Mutex
	subscribers map[string][]*wsConnection

	// Processing queue
	queueMu sync.Mutex
	closed  bool
	queue   chan GradeJob
	workers sync.WaitGroup

	// HTTP/Websocket
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a Grader. live may be nil when no ingest server runs alongside.
func New(cfg Config, ecfg engine.Config, acfg audio.AnalyserConfig, live Live) (*Grader, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}

	g := &Grader{
		config:      cfg,
		engine:      ecfg,
		analyser:    acfg,
		live:        live,
		recent:      newHistory(cfg.HistoryLimit),
		subscribers: make(map[string][]*wsConnection),
		queue:       make(chan GradeJob, cfg.QueueSize),
	}
	g.upgrader = websocket.Upgrader{CheckOrigin: g.checkOrigin}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		g.server = &http.Server{
			Addr:      cfg.Address,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	} else {
		g.server = &http.Server{Addr: cfg.Address}
	}
	g.server.Handler = g.Handler()

	if cfg.InboxDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		g.watcher = watcher
	}

	if cfg.DBPath != "" {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			if g.watcher != nil {
				g.watcher.Close()
			}
			return nil, fmt.Errorf("failed to open report store: %w", err)
		}
		g.store = st
	}

	return g, nil
}

// Start runs the workers, the inbox watcher and the HTTP server until ctx is done.
func (g *Grader) Start(ctx context.Context) error {
	g.StartWorkers(ctx)

	if g.watcher != nil {
		go g.watchFiles(ctx)
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if g.server.TLSConfig != nil {
			err = g.server.ListenAndServeTLS("", "")
		} else {
			err = g.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	slog.Info("Grader listening", "address", g.config.Address, "tls", g.server.TLSConfig != nil)

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return g.server.Shutdown(context.Background())
}

// StartWorkers launches the worker pool without the HTTP server or watcher.
func (g *Grader) StartWorkers(ctx context.Context) {
	for i := 0; i < g.config.Workers; i++ {
		g.workers.Add(1)
		go g.worker(ctx)
	}
}

// Stop gracefully shuts down the Grader
func (g *Grader) Stop(ctx context.Context) error {
	g.queueMu.Lock()
	if !g.closed {
		g.closed = true
		close(g.queue)
	}
	g.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}

	if err := g.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}

	if g.watcher != nil {
		if err := g.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close file watcher: %w", err)
		}
	}

	if g.store != nil {
		if err := g.store.Close(); err != nil {
			return fmt.Errorf("failed to close report store: %w", err)
		}
	}

	return nil
}

// Enqueue queues a bundle directory for grading. A directory is graded at most once.
func (g *Grader) Enqueue(dir string) error {
	if _, loaded := g.queued.LoadOrStore(dir, struct{}{}); loaded {
		return nil
	}

	g.queueMu.Lock()
	defer g.queueMu.Unlock()
	if g.closed {
		g.queued.Delete(dir)
		return ErrStopped
	}

	select {
	case g.queue <- GradeJob{Dir: dir, Queued: time.Now()}:
		slog.Info("Queued recording for grading", "dir", dir)
		return nil
	default:
		g.queued.Delete(dir)
		return fmt.Errorf("job queue is full")
	}
}

func (g *Grader) checkOrigin(r *http.Request) bool {
	if len(g.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range g.config.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// history keeps the most recent records in memory.
type history struct {
	mu    sync.RWMutex
	limit int
	order []string
	byID  map[string]store.Record
}

func newHistory(limit int) *history {
	return &history{limit: limit, byID: make(map[string]store.Record)}
}

func (h *history) put(rec store.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[rec.ID]; !ok {
		h.order = append(h.order, rec.ID)
	}
	h.byID[rec.ID] = rec
	for len(h.order) > h.limit {
		delete(h.byID, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) get(id string) (store.Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.byID[id]
	return rec, ok
}

// list returns up to limit records, newest first.
func (h *history) list(limit int) []store.Record {
	h.mu.RLock()
	out := make([]store.Record, 0, len(h.byID))
	for _, rec := range h.byID {
		out = append(out, rec)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
