package poisecli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/poise/audio"
	"github.com/bosley/poise/engine"
	"github.com/bosley/poise/recording"
	"github.com/bosley/poise/wire"
)

var ErrNotStreaming = errors.New("client: no session in progress")

// Stream is an authenticated connection to the ingest server. Audio and landmark payloads
// may be sent from different goroutines.
type Stream struct {
	conn net.Conn
	ID   uuid.UUID

	mu        sync.Mutex
	streaming bool
	startedAt time.Time
	pcm       []byte
	sent      int64
}

// Handshake sends the token and waits for the server to assign a client id.
func Handshake(conn net.Conn, token string) (*Stream, error) {
	if _, err := conn.Write([]byte(token)); err != nil {
		return nil, fmt.Errorf("failed to send token to server: %w", err)
	}
	id, err := wire.ReadSessionID(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to receive client ID: %w", err)
	}
	return &Stream{conn: conn, ID: id}, nil
}

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := wire.WriteStart(s.conn); err != nil {
		return err
	}
	s.streaming = true
	s.startedAt = time.Now()
	s.sent = 0
	return nil
}

// Since is the time elapsed since Start.
func (s *Stream) Since() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return 0
	}
	return time.Since(s.startedAt)
}

func (s *Stream) SendAudio(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return ErrNotStreaming
	}
	s.pcm = audio.EncodePCM16(s.pcm[:0], samples)
	if err := wire.WritePayload(s.conn, wire.KindAudio, s.pcm); err != nil {
		return err
	}
	s.sent += int64(len(samples))
	return nil
}

// SamplesSent counts audio samples sent in the current session.
func (s *Stream) SamplesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Stream) SendLandmarks(line recording.LandmarkLine) error {
	body, err := json.Marshal(line)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return ErrNotStreaming
	}
	return wire.WritePayload(s.conn, wire.KindLandmarks, body)
}

// Finish sends the end marker and waits for the report.
func (s *Stream) Finish(timeout time.Duration) (engine.Report, error) {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return engine.Report{}, ErrNotStreaming
	}
	s.streaming = false
	err := wire.WriteEnd(s.conn)
	s.mu.Unlock()
	if err != nil {
		return engine.Report{}, fmt.Errorf("failed to send end marker: %w", err)
	}

	if timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}
	body, err := wire.ReadReport(s.conn)
	if err != nil {
		return engine.Report{}, fmt.Errorf("failed to read report: %w", err)
	}
	var r engine.Report
	if err := json.Unmarshal(body, &r); err != nil {
		return engine.Report{}, fmt.Errorf("failed to decode report: %w", err)
	}
	return r, nil
}

// ForwardLandmarks reads landmark JSON Lines from r and sends them on the stream until r
// is exhausted or ctx is done. Each line is stamped with the time it arrived relative to
// the session start; a t_ms already present is ignored. Malformed lines are skipped.
func ForwardLandmarks(ctx context.Context, r io.Reader, s *Stream) (sent, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return sent, skipped, nil
		default:
		}

		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line recording.LandmarkLine
		if err := json.Unmarshal(raw, &line); err != nil {
			skipped++
			slog.Debug("Skipping malformed landmark line", "error", err)
			continue
		}
		line.TimeMs = s.Since().Milliseconds()
		if err := s.SendLandmarks(line); err != nil {
			return sent, skipped, err
		}
		sent++
	}
	return sent, skipped, sc.Err()
}
