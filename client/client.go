package poisecli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/bosley/poise/audio"
	"github.com/bosley/poise/engine"
)

const (
	channels             = 1
	backgroundBufferSize = 50
)

type Config struct {
	ServerAddress string `mapstructure:"server_address"`
	CertFile      string `mapstructure:"cert_file"`
	Insecure      bool   `mapstructure:"insecure"`
	// Zero selects the default input device.
	DeviceID        int     `mapstructure:"device_id"`
	SampleRate      int     `mapstructure:"sample_rate"`
	FramesPerBuffer int     `mapstructure:"frames_per_buffer"`
	VADThreshold    float64 `mapstructure:"vad_threshold"`
	// Calibration is how long the background noise is measured before the session starts.
	Calibration   time.Duration `mapstructure:"calibration"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	ReportTimeout time.Duration `mapstructure:"report_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ServerAddress:   "localhost:8443",
		SampleRate:      44100,
		FramesPerBuffer: 1024,
		VADThreshold:    2.22,
		Calibration:     5 * time.Second,
		MaxDuration:     60 * time.Second,
		ReportTimeout:   10 * time.Second,
	}
}

// AudioProcessor tracks the background noise level so that the capture can report how
// much of the session the speaker was audible. Every chunk is sent regardless.
type AudioProcessor struct {
	threshold        float64
	backgroundNoise  float64
	backgroundBuffer []float64
	speaking         bool
	speechChunks     int
	totalChunks      int
}

func NewAudioProcessor(threshold float64) *AudioProcessor {
	return &AudioProcessor{
		threshold:        threshold,
		backgroundBuffer: make([]float64, 0, backgroundBufferSize),
	}
}

// Calibrate sets the noise floor from chunks recorded before the session.
func (ap *AudioProcessor) Calibrate(amplitudes []float64) {
	if len(amplitudes) == 0 {
		return
	}
	var sum float64
	for _, a := range amplitudes {
		sum += a
	}
	ap.backgroundNoise = sum / float64(len(amplitudes))
	slog.Debug("Background noise calibration complete", "averageAmplitude", ap.backgroundNoise)
}

// Observe classifies one chunk and reports whether it is louder than the noise floor.
func (ap *AudioProcessor) Observe(chunk []int16) bool {
	amplitude := audio.Amplitude(chunk)
	ap.totalChunks++

	isSpeech := ap.backgroundNoise > 0 && amplitude/ap.backgroundNoise > ap.threshold
	if isSpeech {
		ap.speechChunks++
	} else {
		// Only quiet chunks move the floor, otherwise a long utterance would raise it.
		ap.updateBackgroundNoise(amplitude)
	}

	if isSpeech != ap.speaking {
		ap.speaking = isSpeech
		slog.Debug("Voice activity changed",
			"speaking", isSpeech,
			"chunkAmplitude", amplitude,
			"backgroundNoise", ap.backgroundNoise)
	}
	return isSpeech
}

// SpeechRatio is the share of observed chunks classified as speech.
func (ap *AudioProcessor) SpeechRatio() float64 {
	if ap.totalChunks == 0 {
		return 0
	}
	return float64(ap.speechChunks) / float64(ap.totalChunks)
}

func (ap *AudioProcessor) updateBackgroundNoise(amplitude float64) {
	if len(ap.backgroundBuffer) >= backgroundBufferSize {
		ap.backgroundBuffer = ap.backgroundBuffer[1:]
	}
	ap.backgroundBuffer = append(ap.backgroundBuffer, amplitude)

	var sum float64
	for _, a := range ap.backgroundBuffer {
		sum += a
	}
	ap.backgroundNoise = sum / float64(len(ap.backgroundBuffer))
}

// isConnectionClosed reports whether a write failed because the server went away.
func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

// InputDevice is a capture device and the ID to select it with.
type InputDevice struct {
	ID   int
	Info portaudio.DeviceInfo
}

func ListAudioDevices() ([]InputDevice, error) {
	err := portaudio.Initialize()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	inputDevices := make([]InputDevice, 0)
	for i, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, InputDevice{ID: i, Info: *device})
		}
	}

	return inputDevices, nil
}

// Dial opens a TLS connection to the ingest server and completes the handshake.
func Dial(ctx context.Context, cfg Config, token string) (*Stream, net.Conn, error) {
	tlsConfig, err := createTLSConfig(cfg.Insecure, cfg.CertFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	dialer := &tls.Dialer{
		Config: tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.ServerAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	s, err := Handshake(conn, token)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	slog.Info("Received client ID", "clientID", s.ID)
	return s, conn, nil
}

// Launch captures one session from the microphone, forwarding landmark lines read from
// landmarks when it is non-nil. The session ends when ctx is done or MaxDuration passes,
// and the server's report is returned.
func Launch(ctx context.Context, cfg Config, token string, landmarks io.Reader) (engine.Report, error) {
	slog.Debug("Starting client",
		"serverAddress", cfg.ServerAddress,
		"deviceID", cfg.DeviceID)

	s, conn, err := Dial(ctx, cfg, token)
	if err != nil {
		return engine.Report{}, err
	}
	defer conn.Close()

	err = portaudio.Initialize()
	if err != nil {
		return engine.Report{}, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	inputParams, err := inputParameters(cfg)
	if err != nil {
		return engine.Report{}, err
	}

	ap := NewAudioProcessor(cfg.VADThreshold)
	if err := calibrate(ctx, inputParams, cfg.Calibration, ap); err != nil {
		return engine.Report{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.MaxDuration)
	defer cancel()

	if err := s.Start(); err != nil {
		return engine.Report{}, fmt.Errorf("failed to send start marker: %w", err)
	}
	slog.Info("Session started", "maxDuration", cfg.MaxDuration)

	connClosed := make(chan struct{}, 1)
	stream, err := portaudio.OpenStream(inputParams, func(in []int16) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ap.Observe(in)
		if err := s.SendAudio(in); err != nil {
			if isConnectionClosed(err) {
				select {
				case connClosed <- struct{}{}:
				default:
				}
				return
			}
			slog.Error("Error sending audio chunk", "error", err)
		}
	})
	if err != nil {
		return engine.Report{}, fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if landmarks != nil {
		go func() {
			sent, skipped, err := ForwardLandmarks(ctx, landmarks, s)
			if err != nil && !errors.Is(err, ErrNotStreaming) {
				slog.Error("Landmark forwarding stopped", "error", err)
			}
			slog.Debug("Landmark input finished", "sent", sent, "skipped", skipped)
		}()
	}

	err = stream.Start()
	if err != nil {
		return engine.Report{}, fmt.Errorf("failed to start audio stream: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-connClosed:
		stream.Stop()
		return engine.Report{}, errors.New("server connection lost")
	}
	slog.Debug("Client shutting down")

	if err := stream.Stop(); err != nil {
		slog.Error("Failed to stop audio stream", "error", err)
	}

	slog.Info("Session ended",
		"samplesSent", s.SamplesSent(),
		"speechRatio", ap.SpeechRatio())
	return s.Finish(cfg.ReportTimeout)
}

func inputParameters(cfg Config) (portaudio.StreamParameters, error) {
	var device *portaudio.DeviceInfo
	if cfg.DeviceID > 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get audio devices: %w", err)
		}
		if cfg.DeviceID >= len(devices) {
			return portaudio.StreamParameters{}, fmt.Errorf("invalid device ID %d", cfg.DeviceID)
		}
		device = devices[cfg.DeviceID]
		if device.MaxInputChannels == 0 {
			return portaudio.StreamParameters{}, fmt.Errorf("device %d (%s) is not an input device", cfg.DeviceID, device.Name)
		}
		slog.Info("Using specified audio device",
			"deviceID", cfg.DeviceID,
			"deviceName", device.Name,
			"sampleRate", device.DefaultSampleRate,
			"inputChannels", device.MaxInputChannels)
	} else {
		var err error
		device, err = portaudio.DefaultInputDevice()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get default input device: %w", err)
		}
		slog.Info("Using default audio device",
			"deviceName", device.Name,
			"sampleRate", device.DefaultSampleRate,
			"inputChannels", device.MaxInputChannels)
	}

	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
	}, nil
}

func calibrate(ctx context.Context, params portaudio.StreamParameters, d time.Duration, ap *AudioProcessor) error {
	if d <= 0 {
		return nil
	}
	slog.Info("Calibrating background noise, stay quiet", "duration", d)

	var amplitudes []float64
	stream, err := portaudio.OpenStream(params, func(in []int16) {
		amplitudes = append(amplitudes, audio.Amplitude(in))
	})
	if err != nil {
		return fmt.Errorf("failed to open calibration stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start calibration stream: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(d):
	}

	if err := stream.Stop(); err != nil {
		slog.Error("Failed to stop calibration stream", "error", err)
	}
	ap.Calibrate(amplitudes)
	return ctx.Err()
}

func createTLSConfig(insecureMode bool, serverCertFile string) (*tls.Config, error) {
	if insecureMode {
		slog.Warn("Running in insecure mode. This should not be used in production!")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	certPEM, err := os.ReadFile(serverCertFile)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("failed to append server certificate")
	}

	return &tls.Config{
		RootCAs: certPool,
	}, nil
}
