// Package recording reads, writes and replays session bundles: a directory holding the
// captured audio, the landmark stream and a small metadata file.
package recording

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bosley/poise/features"
)

const (
	AudioFile     = "audio.wav"
	LandmarksFile = "landmarks.jsonl"
	MetaFile      = "session.yaml"
	// DoneFile marks a bundle as complete and ready to grade.
	DoneFile = "done"
)

var ErrNoAudio = errors.New("recording: bundle has no " + AudioFile)

// epoch anchors bundles that carry no start time. Only offsets matter for scoring.
var epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

type Meta struct {
	ID          string    `yaml:"id,omitempty"`
	Source      string    `yaml:"source,omitempty"`
	Transcript  string    `yaml:"transcript,omitempty"`
	StartedAt   time.Time `yaml:"started_at,omitempty"`
	DurationSec float64   `yaml:"duration_sec,omitempty"`
	Incomplete  bool      `yaml:"incomplete,omitempty"`
}

// LandmarkLine is one line of landmarks.jsonl. Points is null or empty when no face was found.
type LandmarkLine struct {
	TimeMs int64              `json:"t_ms"`
	Points features.Landmarks `json:"points"`
}

type Bundle struct {
	Dir       string
	Meta      Meta
	Landmarks []features.VisualFrame
	// Landmark lines that could not be parsed.
	Skipped int
}

func (b *Bundle) Start() time.Time {
	if b.Meta.StartedAt.IsZero() {
		return epoch
	}
	return b.Meta.StartedAt
}

func (b *Bundle) AudioPath() string { return filepath.Join(b.Dir, AudioFile) }

// Load reads the metadata and landmarks of the bundle in dir. Audio is streamed later by
// Replay; Load only checks that it exists.
func Load(dir string) (*Bundle, error) {
	if _, err := os.Stat(filepath.Join(dir, AudioFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoAudio, dir)
		}
		return nil, fmt.Errorf("failed to stat audio: %w", err)
	}

	b := &Bundle{Dir: dir}

	meta, err := os.ReadFile(filepath.Join(dir, MetaFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", MetaFile, err)
	default:
		if err := yaml.Unmarshal(meta, &b.Meta); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", MetaFile, err)
		}
	}

	f, err := os.Open(filepath.Join(dir, LandmarksFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("failed to open %s: %w", LandmarksFile, err)
	}
	defer f.Close()

	b.Landmarks, b.Skipped, err = ReadLandmarks(f, b.Start())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", LandmarksFile, err)
	}
	if b.Skipped > 0 {
		slog.Warn("Skipped malformed landmark lines", "dir", dir, "skipped", b.Skipped)
	}
	return b, nil
}

const maxLandmarkLine = 1 << 20

// ReadLandmarks parses JSON Lines into frames offset from start. Lines that do not parse,
// or that are longer than maxLandmarkLine, are counted and skipped. Frames are returned in
// file order.
func ReadLandmarks(r io.Reader, start time.Time) ([]features.VisualFrame, int, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var frames []features.VisualFrame
	var line []byte
	skipped := 0
	tooLong := false

	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxLandmarkLine+2 {
				tooLong = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return frames, skipped, err
		}

		if tooLong {
			skipped++
		} else if line = bytes.TrimRight(line, "\r\n"); len(line) > 0 {
			var ll LandmarkLine
			if jerr := json.Unmarshal(line, &ll); jerr != nil || ll.TimeMs < 0 {
				skipped++
			} else {
				frames = append(frames, features.VisualFrame{
					Time:   start.Add(time.Duration(ll.TimeMs) * time.Millisecond),
					Points: ll.Points,
				})
			}
		}
		line = line[:0]
		tooLong = false

		if err != nil {
			return frames, skipped, nil
		}
	}
}

// MarkDone writes the done marker that makes a bundle visible to the grader.
func MarkDone(dir string) error {
	return os.WriteFile(filepath.Join(dir, DoneFile), nil, 0644)
}
