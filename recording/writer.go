package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bosley/poise/audio"
	"github.com/bosley/poise/features"
)

// DailyDir returns root/YYYYMMDD/id, the layout live sessions are archived under.
func DailyDir(root string, now time.Time, id string) string {
	return filepath.Join(root, now.Format("20060102"), id)
}

// Writer builds a bundle incrementally while a session streams in.
type Writer struct {
	dir        string
	start      time.Time
	sampleRate int

	audio    *os.File
	dataSize uint32
	pcm      []byte

	landmarks *os.File
	lmBuf     *bufio.Writer
	enc       *json.Encoder
}

func Create(dir string, sampleRate int, start time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}

	af, err := os.Create(filepath.Join(dir, AudioFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create audio file: %w", err)
	}
	if err := audio.WriteWavHeader(af, uint32(sampleRate), 0); err != nil {
		af.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	lf, err := os.Create(filepath.Join(dir, LandmarksFile))
	if err != nil {
		af.Close()
		return nil, fmt.Errorf("failed to create landmarks file: %w", err)
	}

	buf := bufio.NewWriter(lf)
	return &Writer{
		dir:        dir,
		start:      start,
		sampleRate: sampleRate,
		audio:      af,
		landmarks:  lf,
		lmBuf:      buf,
		enc:        json.NewEncoder(buf),
	}, nil
}

func (w *Writer) Dir() string { return w.dir }

func (w *Writer) WriteAudio(samples []int16) error {
	w.pcm = audio.EncodePCM16(w.pcm[:0], samples)
	n, err := w.audio.Write(w.pcm)
	w.dataSize += uint32(n)
	return err
}

func (w *Writer) WriteLandmarks(t time.Time, points features.Landmarks) error {
	return w.enc.Encode(LandmarkLine{
		TimeMs: t.Sub(w.start).Milliseconds(),
		Points: points,
	})
}

// Close finalizes the WAV header and writes the metadata file.
func (w *Writer) Close(meta Meta) error {
	if meta.StartedAt.IsZero() {
		meta.StartedAt = w.start
	}
	if meta.DurationSec == 0 && w.sampleRate > 0 {
		meta.DurationSec = float64(w.dataSize/2) / float64(w.sampleRate)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(audio.UpdateWavHeader(w.audio, w.dataSize))
	keep(w.audio.Close())
	keep(w.lmBuf.Flush())
	keep(w.landmarks.Close())

	out, err := yaml.Marshal(meta)
	keep(err)
	if err == nil {
		keep(os.WriteFile(filepath.Join(w.dir, MetaFile), out, 0644))
	}
	return firstErr
}

// Discard closes the files and removes the bundle.
func (w *Writer) Discard() error {
	w.audio.Close()
	w.landmarks.Close()
	return os.RemoveAll(w.dir)
}
