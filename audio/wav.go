package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/youpy/go-wav"

	"github.com/bosley/poise/features"
)

const (
	channels      = 1
	bitsPerSample = 16
	headerSize    = 44
)

var ErrUnsupportedFormat = errors.New("audio: only 16-bit PCM mono or stereo WAV is supported")

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WriteWavHeader writes a mono 16-bit header. Streams of unknown length write a zero
// dataSize first and fix it with UpdateWavHeader once the data is complete.
func WriteWavHeader(w io.Writer, sampleRate, dataSize uint32) error {
	header := WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + headerSize - 8,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * channels * bitsPerSample / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	return binary.Write(w, binary.LittleEndian, header)
}

func UpdateWavHeader(f io.WriteSeeker, dataSize uint32) error {
	if _, err := f.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to ChunkSize: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, dataSize+headerSize-8); err != nil {
		return fmt.Errorf("failed to write ChunkSize: %w", err)
	}

	if _, err := f.Seek(40, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to Subchunk2Size: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write Subchunk2Size: %w", err)
	}

	_, err := f.Seek(0, io.SeekEnd)
	return err
}

// Source is what go-wav needs to walk the RIFF chunks.
type Source interface {
	io.Reader
	io.ReaderAt
}

type Info struct {
	SampleRate int
	Channels   int
	Samples    int64
	Duration   time.Duration
}

const readChunk = 1024

// DecodeWAV decodes a 16-bit WAV file and calls fn with consecutive blocks of mono
// samples along with the format read so far. Multi-channel files are mixed down.
// The block passed to fn is reused.
func DecodeWAV(src Source, fn func(info Info, samples []int16) error) (Info, error) {
	reader := wav.NewReader(src)

	format, err := reader.Format()
	if err != nil {
		return Info{}, fmt.Errorf("failed to read WAV format: %w", err)
	}
	if format.AudioFormat != wav.AudioFormatPCM || format.BitsPerSample != bitsPerSample ||
		format.NumChannels == 0 || format.NumChannels > 2 || format.SampleRate == 0 {
		return Info{}, fmt.Errorf("%w: %d-bit, %d channels", ErrUnsupportedFormat, format.BitsPerSample, format.NumChannels)
	}

	info := Info{
		SampleRate: int(format.SampleRate),
		Channels:   int(format.NumChannels),
	}
	mono := make([]int16, 0, readChunk)

	for {
		samples, err := reader.ReadSamples(readChunk)
		if len(samples) > 0 {
			mono = mono[:0]
			for _, s := range samples {
				mono = append(mono, mixDown(reader, s, info.Channels))
			}
			if ferr := fn(info, mono); ferr != nil {
				return info, ferr
			}
			info.Samples += int64(len(samples))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return info, fmt.Errorf("failed to read WAV samples: %w", err)
		}
	}

	info.Duration = time.Duration(info.Samples) * time.Second / time.Duration(info.SampleRate)
	return info, nil
}

// ReadWAV decodes a WAV file through an Analyser and calls emit for every frame.
// Timestamps start at start.
func ReadWAV(src Source, cfg AnalyserConfig, start time.Time, emit func(features.AudioFrame) error) (Info, error) {
	var an *Analyser
	return DecodeWAV(src, func(info Info, samples []int16) error {
		if an == nil {
			an = NewAnalyser(cfg, info.SampleRate, start)
		}
		return an.Write(samples, emit)
	})
}

func mixDown(r *wav.Reader, s wav.Sample, n int) int16 {
	if n == 1 {
		return int16(r.IntValue(s, 0))
	}
	var sum int
	for ch := 0; ch < n && ch < len(s.Values); ch++ {
		sum += r.IntValue(s, uint(ch))
	}
	return int16(sum / n)
}
