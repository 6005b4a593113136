package poiseserv

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/poise/audio"
	"github.com/bosley/poise/engine"
	"github.com/bosley/poise/features"
	"github.com/bosley/poise/metrics"
	"github.com/bosley/poise/recording"
	"github.com/bosley/poise/wire"
)

type Config struct {
	Address  string `mapstructure:"address"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	Token    string `mapstructure:"token"`
	// Sample rate of the PCM clients stream.
	SampleRate int `mapstructure:"sample_rate"`
	// Sessions shorter than this are answered but neither archived nor published.
	MinSession time.Duration `mapstructure:"min_session"`
	// Live sessions are archived as bundles under ArchiveDir/YYYYMMDD/<id> when set.
	ArchiveDir string `mapstructure:"archive_dir"`
}

func DefaultConfig() Config {
	return Config{
		Address:    "localhost:8443",
		SampleRate: 44100,
		MinSession: time.Second,
	}
}

// ReportSink receives the report of every live session that was long enough to keep.
type ReportSink interface {
	Publish(ctx context.Context, id string, source string, r engine.Report)
}

type Server struct {
	cfg      Config
	engine   engine.Config
	analyser audio.AnalyserConfig
	clients  *ClientList
	sink     ReportSink
}

// New creates a server. clients may be shared with other components and is created when
// nil; sink may be nil.
func New(cfg Config, ecfg engine.Config, acfg audio.AnalyserConfig, clients *ClientList, sink ReportSink) *Server {
	if clients == nil {
		clients = NewClientList()
	}
	return &Server{
		cfg:      cfg,
		engine:   ecfg,
		analyser: acfg,
		clients:  clients,
		sink:     sink,
	}
}

func (s *Server) Clients() *ClientList { return s.clients }

// Launch listens with TLS on the configured address and serves until ctx is done.
func (s *Server) Launch(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load server certificate and key: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	listener, err := tls.Listen("tcp", s.cfg.Address, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start TLS server: %w", err)
	}
	slog.Info("Ingest server listening", "address", listener.Addr().String())

	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		slog.Debug("Server shutting down")
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				slog.Debug("Server stopped accepting new connections")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("Failed to accept connection", "error", err)
			continue
		}

		go s.HandleConn(ctx, conn)
	}
}

// HandleConn authenticates one connection and serves its sessions until it closes.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ok, err := wire.CheckToken(conn, s.cfg.Token)
	if err != nil {
		slog.Error("Failed to read token from client", "error", err, "remoteAddr", conn.RemoteAddr())
		return
	}
	if !ok {
		slog.Warn("Invalid token received", "remoteAddr", conn.RemoteAddr())
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := &Client{
		ID:          uuid.New(),
		Addr:        conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		cancel:      cancel,
	}
	s.clients.Add(client)
	defer s.clients.Remove(client.ID)

	// Unblock the read loop on shutdown or Disconnect.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.handleConnection(ctx, conn, client)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, client *Client) {
	slog.Debug("New client connected", "clientID", client.ID, "remoteAddr", client.Addr)
	defer slog.Debug("Client connection closed", "clientID", client.ID, "remoteAddr", client.Addr)

	if err := wire.WriteSessionID(conn, client.ID); err != nil {
		slog.Error("Failed to send client ID", "error", err, "clientID", client.ID)
		return
	}

	var (
		live *liveSession
		buf  []byte
		pcm  []int16
	)
	defer func() {
		if live != nil {
			s.abandon(live)
		}
	}()

	for {
		var msg wire.Message
		var err error
		msg, buf, err = wire.ReadMessage(conn, buf)
		if err != nil {
			select {
			case <-ctx.Done():
				slog.Debug("Connection handler shutting down", "clientID", client.ID)
			default:
				if errors.Is(err, io.EOF) {
					slog.Debug("Client disconnected", "clientID", client.ID, "remoteAddr", client.Addr)
				} else {
					slog.Error("Failed to read message", "error", err, "clientID", client.ID, "remoteAddr", client.Addr)
				}
			}
			return
		}

		switch msg.Type {
		case wire.MessageStart:
			if live != nil {
				slog.Warn("Session restarted before end marker", "clientID", client.ID, "sessionID", live.id)
				s.abandon(live)
			}
			live = s.begin(client)
			client.setStreaming(true, live.start)
			slog.Info("Started receiving new session", "clientID", client.ID, "sessionID", live.id)

		case wire.MessageEnd:
			if live == nil {
				slog.Warn("End marker without a session", "clientID", client.ID)
				continue
			}
			err := s.finish(ctx, conn, live)
			live = nil
			client.setStreaming(false, time.Time{})
			if err != nil {
				slog.Error("Failed to send report", "error", err, "clientID", client.ID)
				return
			}

		case wire.MessagePayload:
			if live == nil {
				continue
			}
			switch msg.Kind {
			case wire.KindAudio:
				pcm = audio.DecodePCM16(pcm, msg.Body)
				live.pushAudio(pcm)
			case wire.KindLandmarks:
				live.pushLandmarks(msg.Body)
			default:
				slog.Debug("Ignoring payload of unknown kind", "kind", msg.Kind, "clientID", client.ID)
			}
		}
	}
}

// liveSession is owned by a single connection goroutine.
type liveSession struct {
	id       string
	clientID uuid.UUID
	start    time.Time
	session  *engine.Session
	analyser *audio.Analyser
	archive  *recording.Writer

	lastVisual time.Duration
	malformed  int
	failed     bool
}

func (s *Server) begin(client *Client) *liveSession {
	start := time.Now()
	ls := &liveSession{
		id:       uuid.New().String(),
		clientID: client.ID,
		start:    start,
		session:  engine.NewSession(s.engine, start),
		analyser: audio.NewAnalyser(s.analyser, s.cfg.SampleRate, start),
	}
	if s.cfg.ArchiveDir != "" {
		w, err := recording.Create(recording.DailyDir(s.cfg.ArchiveDir, start, ls.id), s.cfg.SampleRate, start)
		if err != nil {
			slog.Error("Failed to create archive bundle", "error", err, "sessionID", ls.id)
		} else {
			ls.archive = w
		}
	}
	metrics.LiveSessions.Inc()
	return ls
}

func (ls *liveSession) pushAudio(samples []int16) {
	if ls.archive != nil {
		if err := ls.archive.WriteAudio(samples); err != nil {
			slog.Error("Failed to archive audio", "error", err, "sessionID", ls.id)
		}
	}
	err := ls.analyser.Write(samples, func(f features.AudioFrame) error {
		metrics.FramesPushed.WithLabelValues(metrics.ModalityAudio).Inc()
		return ls.session.PushAudio(f)
	})
	if err != nil && !ls.failed {
		ls.failed = true
		slog.Error("Failed to push audio", "error", err, "sessionID", ls.id)
	}
}

func (ls *liveSession) pushLandmarks(body []byte) {
	var line recording.LandmarkLine
	if err := json.Unmarshal(body, &line); err != nil || line.TimeMs < 0 {
		ls.malformed++
		return
	}
	at := time.Duration(line.TimeMs) * time.Millisecond
	t := ls.start.Add(at)
	if at > ls.lastVisual {
		ls.lastVisual = at
	}
	if ls.archive != nil {
		if err := ls.archive.WriteLandmarks(t, line.Points); err != nil {
			slog.Error("Failed to archive landmarks", "error", err, "sessionID", ls.id)
		}
	}
	metrics.FramesPushed.WithLabelValues(metrics.ModalityVisual).Inc()
	if err := ls.session.PushVisual(features.VisualFrame{Time: t, Points: line.Points}); err != nil && !ls.failed {
		ls.failed = true
		slog.Error("Failed to push landmarks", "error", err, "sessionID", ls.id)
	}
}

// duration is measured in stream time so that network stalls do not count as silence.
func (ls *liveSession) duration() time.Duration {
	d := ls.analyser.Elapsed()
	if ls.lastVisual > d {
		d = ls.lastVisual
	}
	return d
}

func (s *Server) finish(ctx context.Context, conn net.Conn, ls *liveSession) error {
	metrics.LiveSessions.Dec()

	d := ls.duration()
	report := ls.session.Finish(ls.start.Add(d), "")

	keep := d >= s.cfg.MinSession
	if keep {
		slog.Info("Finished receiving session",
			"duration", d.Seconds(),
			"evaluable", report.Evaluable,
			"malformedLandmarks", ls.malformed,
			"clientID", ls.clientID,
			"sessionID", ls.id)
		metrics.SessionsFinished.WithLabelValues(metrics.SourceLive, metrics.Evaluable(report.Evaluable)).Inc()
		if ls.archive != nil {
			if err := ls.archive.Close(recording.Meta{ID: ls.id, Source: metrics.SourceLive, DurationSec: d.Seconds()}); err != nil {
				slog.Error("Failed to close archive bundle", "error", err, "sessionID", ls.id)
			}
		}
		if s.sink != nil {
			s.sink.Publish(ctx, ls.id, metrics.SourceLive, report)
		}
	} else {
		slog.Debug("Dropping short session",
			"duration", d.Seconds(),
			"clientID", ls.clientID,
			"sessionID", ls.id)
		if ls.archive != nil {
			ls.archive.Discard()
		}
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return wire.WriteReport(conn, body)
}

// abandon handles a session cut off without an end marker. Long enough sessions keep their
// archive, flagged as incomplete; nothing is scored.
func (s *Server) abandon(ls *liveSession) {
	metrics.LiveSessions.Dec()

	d := ls.duration()
	if ls.archive == nil {
		slog.Debug("Dropping incomplete session", "duration", d.Seconds(), "sessionID", ls.id)
		return
	}
	if d < s.cfg.MinSession {
		slog.Debug("Dropping incomplete short session", "duration", d.Seconds(), "sessionID", ls.id)
		ls.archive.Discard()
		return
	}
	slog.Info("Saving incomplete session", "duration", d.Seconds(), "sessionID", ls.id)
	if err := ls.archive.Close(recording.Meta{ID: ls.id, Source: metrics.SourceLive, DurationSec: d.Seconds(), Incomplete: true}); err != nil {
		slog.Error("Failed to close archive bundle", "error", err, "sessionID", ls.id)
	}
}
