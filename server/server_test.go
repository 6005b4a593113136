package poiseserv

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/poise/audio"
	"github.com/bosley/poise/engine"
	"github.com/bosley/poise/recording"
	"github.com/bosley/poise/score"
	"github.com/bosley/poise/wire"
)

const (
	testToken = "tok3n"
	testRate  = 16000
)

type published struct {
	id     string
	source string
	report engine.Report
}

type fakeSink struct {
	mu  sync.Mutex
	got []published
}

func (f *fakeSink) Publish(_ context.Context, id, source string, r engine.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, published{id: id, source: source, report: r})
}

func (f *fakeSink) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.got...)
}

func newServer(t *testing.T, archive string) (*Server, *fakeSink) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Token = testToken
	cfg.SampleRate = testRate
	cfg.ArchiveDir = archive
	sink := &fakeSink{}
	return New(cfg, engine.DefaultConfig(), audio.DefaultAnalyserConfig(), nil, sink), sink
}

// connect runs HandleConn over a pipe and completes the handshake.
func connect(t *testing.T, ctx context.Context, srv *Server) (net.Conn, <-chan struct{}) {
	t.Helper()
	cli, conn := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.HandleConn(ctx, conn)
		close(done)
	}()
	t.Cleanup(func() { cli.Close() })

	_, err := cli.Write([]byte(testToken))
	require.NoError(t, err)
	_, err = wire.ReadSessionID(cli)
	require.NoError(t, err)
	return cli, done
}

func stream(t *testing.T, conn net.Conn, d time.Duration) {
	t.Helper()
	chunk := make([]int16, testRate/10)
	total := int(d.Seconds() * testRate)
	for n := 0; n < total; n += len(chunk) {
		for i := range chunk {
			chunk[i] = int16(9000 * math.Sin(2*math.Pi*160*float64(n+i)/testRate))
		}
		require.NoError(t, wire.WritePayload(conn, wire.KindAudio, audio.EncodePCM16(nil, chunk)))
	}
	for ms := int64(0); ms <= d.Milliseconds(); ms += 100 {
		line := fmt.Sprintf(`{"t_ms":%d,"points":[[0.5,0.5]]}`, ms)
		require.NoError(t, wire.WritePayload(conn, wire.KindLandmarks, []byte(line)))
	}
	require.NoError(t, wire.WritePayload(conn, wire.KindLandmarks, []byte(`{broken`)))
}

func readReport(t *testing.T, conn net.Conn) engine.Report {
	t.Helper()
	body, err := wire.ReadReport(conn)
	require.NoError(t, err)
	var r engine.Report
	require.NoError(t, json.Unmarshal(body, &r))
	return r
}

func TestServer_SessionProducesReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	archive := t.TempDir()
	srv, sink := newServer(t, archive)

	conn, _ := connect(t, ctx, srv)
	require.NoError(t, wire.WriteStart(conn))
	stream(t, conn, 2*time.Second)
	require.NoError(t, wire.WriteEnd(conn))

	r := readReport(t, conn)
	assert.False(t, r.Evaluable)
	assert.Nil(t, r.Scores)
	assert.Equal(t, 2.0, r.DurationSec)
	assert.Contains(t, r.Reasons, score.ReasonTooShort)
	assert.InDelta(t, 2.0, r.DataQuality.FaceSec, 1e-6)
	assert.Greater(t, r.DataQuality.SpeechSec, 1.5)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0].source)
	assert.Equal(t, r.DurationSec, got[0].report.DurationSec)

	dirs, err := filepath.Glob(filepath.Join(archive, "*", "*"))
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, got[0].id, filepath.Base(dirs[0]))

	b, err := recording.Load(dirs[0])
	require.NoError(t, err)
	assert.Equal(t, "live", b.Meta.Source)
	assert.False(t, b.Meta.Incomplete)
	assert.Len(t, b.Landmarks, 21)
}

func TestServer_ShortSessionIsAnsweredButNotKept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	archive := t.TempDir()
	srv, sink := newServer(t, archive)

	conn, _ := connect(t, ctx, srv)
	require.NoError(t, wire.WriteStart(conn))
	stream(t, conn, 500*time.Millisecond)
	require.NoError(t, wire.WriteEnd(conn))

	r := readReport(t, conn)
	assert.False(t, r.Evaluable)
	assert.Empty(t, sink.all())

	dirs, err := filepath.Glob(filepath.Join(archive, "*", "*"))
	require.NoError(t, err)
	assert.Empty(t, dirs)
}

func TestServer_SeveralSessionsPerConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, sink := newServer(t, "")

	conn, _ := connect(t, ctx, srv)
	for i := 0; i < 2; i++ {
		require.NoError(t, wire.WriteStart(conn))
		stream(t, conn, 1500*time.Millisecond)
		require.NoError(t, wire.WriteEnd(conn))
		readReport(t, conn)
	}

	got := sink.all()
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].id, got[1].id)
}

func TestServer_InvalidToken(t *testing.T) {
	srv, _ := newServer(t, "")
	cli, conn := net.Pipe()
	defer cli.Close()
	go srv.HandleConn(context.Background(), conn)

	_, err := cli.Write([]byte("wrong"))
	require.NoError(t, err)
	_, err = wire.ReadSessionID(cli)
	assert.Error(t, err)
	assert.Zero(t, srv.Clients().Len())
}

func TestServer_DroppedConnectionKeepsIncompleteArchive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	archive := t.TempDir()
	srv, sink := newServer(t, archive)

	conn, done := connect(t, ctx, srv)
	require.NoError(t, wire.WriteStart(conn))
	stream(t, conn, 1500*time.Millisecond)
	conn.Close()
	<-done

	assert.Empty(t, sink.all())
	dirs, err := filepath.Glob(filepath.Join(archive, "*", "*"))
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	b, err := recording.Load(dirs[0])
	require.NoError(t, err)
	assert.True(t, b.Meta.Incomplete)
}

func TestServer_Disconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, _ := newServer(t, "")

	_, done := connect(t, ctx, srv)
	clients := srv.Clients().List()
	require.Len(t, clients, 1)
	assert.False(t, clients[0].Streaming)

	assert.ErrorIs(t, srv.Clients().Disconnect("not-a-uuid"), ErrUnknownSession)
	require.NoError(t, srv.Clients().Disconnect(clients[0].ID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
	assert.Zero(t, srv.Clients().Len())
	assert.ErrorIs(t, srv.Clients().Disconnect(clients[0].ID), ErrUnknownSession)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv, _ := newServer(t, "")
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(testToken))
	require.NoError(t, err)
	_, err = wire.ReadSessionID(conn)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
