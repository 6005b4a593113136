package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	poisecli "github.com/bosley/poise/client"
	"github.com/bosley/poise/config"
	"github.com/bosley/poise/grader"
	"github.com/bosley/poise/recording"
	poiseserv "github.com/bosley/poise/server"
)

var (
	cfgFile  string
	logLevel string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "poise",
	Short: "Interview delivery scoring from face landmarks and voice",
	Long: `poise scores how a speaker comes across on camera: posture, facial expression,
voice tone, pace and eye contact, from face landmarks and microphone audio.

Configuration:
  1. --config flag (explicit path)
  2. ./poise.yaml
  3. $HOME/.config/poise/poise.yaml

Environment Variables:
  POISE_TOKEN          - shared secret between capture clients and the server
  POISE_<SECTION>_<KEY> - override any registered key, e.g. POISE_SERVER_ADDRESS`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
		slog.SetDefault(logger)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest server and the grader",
	RunE:  runServe,
}

var scoreCmd = &cobra.Command{
	Use:   "score <bundle-dir>",
	Short: "Score one recording bundle and print the report",
	Args:  cobra.ExactArgs(1),
	RunE:  runScore,
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Stream a session from the microphone, or a recorded bundle, to a server",
	RunE:  runCapture,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE:  runDevices,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./poise.yaml or $HOME/.config/poise/poise.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	serveCmd.Flags().String("cert", "", "Path to server certificate file")
	serveCmd.Flags().String("key", "", "Path to server key file")
	serveCmd.Flags().String("archive", "", "Directory live sessions are archived under")
	serveCmd.Flags().String("inbox", "", "Directory watched for recording bundles to grade")
	serveCmd.Flags().String("db", "", "SQLite database for report history")

	scoreCmd.Flags().String("transcript", "", "Transcript to check for a greeting (overrides session.yaml)")

	captureCmd.Flags().String("server", "", "Server address (host:port)")
	captureCmd.Flags().Bool("insecure", false, "Skip certificate verification")
	captureCmd.Flags().String("cert", "", "Path to server certificate file")
	captureCmd.Flags().Int("device", 0, "Audio input device ID to use")
	captureCmd.Flags().String("landmarks", "", "Landmark JSON Lines to forward, - for stdin")
	captureCmd.Flags().String("file", "", "Send a recorded bundle instead of capturing")
	captureCmd.Flags().Bool("pace", false, "Send a recorded bundle in real time")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			slog.Debug("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func overrideString(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	overrideString(cmd, "cert", &cfg.Server.CertFile)
	overrideString(cmd, "key", &cfg.Server.KeyFile)
	overrideString(cmd, "archive", &cfg.Server.ArchiveDir)
	overrideString(cmd, "inbox", &cfg.Grader.InboxDir)
	overrideString(cmd, "db", &cfg.Grader.DBPath)

	if cfg.Server.Token == "" {
		return fmt.Errorf("POISE_TOKEN environment variable is not set")
	}
	if cfg.Server.CertFile == "" || cfg.Server.KeyFile == "" {
		return fmt.Errorf("server certificate and key files must be provided")
	}
	if cfg.Grader.CertFile == "" && cfg.Grader.KeyFile == "" {
		cfg.Grader.CertFile = cfg.Server.CertFile
		cfg.Grader.KeyFile = cfg.Server.KeyFile
	}

	ctx, cancel := signalContext()
	defer cancel()

	clients := poiseserv.NewClientList()

	graderService, err := grader.New(cfg.Grader, cfg.Engine, cfg.Analyser, clients)
	if err != nil {
		return fmt.Errorf("failed to initialize grader: %w", err)
	}

	go func() {
		if err := graderService.Start(ctx); err != nil {
			slog.Error("Grader service failed", "error", err)
			cancel()
		}
	}()

	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		if err := graderService.Stop(stopCtx); err != nil {
			slog.Error("Failed to stop grader service", "error", err)
		}
	}()

	srv := poiseserv.New(cfg.Server, cfg.Engine, cfg.Analyser, clients, graderService)
	if err := srv.Launch(ctx); err != nil {
		return err
	}

	slog.Debug("Program exiting")
	return nil
}

func runScore(cmd *cobra.Command, args []string) error {
	b, err := recording.Load(args[0])
	if err != nil {
		return err
	}
	overrideString(cmd, "transcript", &b.Meta.Transcript)

	report, stats, err := b.Replay(cfg.Engine, cfg.Analyser)
	if err != nil {
		return err
	}
	slog.Info("Scored recording",
		"dir", b.Dir,
		"evaluable", report.Evaluable,
		"duration", stats.Duration.Seconds(),
		"audioFrames", stats.AudioFrames,
		"visualFrames", stats.VisualFrames,
		"skippedLines", stats.Skipped)

	return printJSON(cmd.OutOrStdout(), report)
}

func runCapture(cmd *cobra.Command, args []string) error {
	cc := cfg.Client
	overrideString(cmd, "server", &cc.ServerAddress)
	overrideString(cmd, "cert", &cc.CertFile)
	if cmd.Flags().Changed("insecure") {
		cc.Insecure, _ = cmd.Flags().GetBool("insecure")
	}
	if cmd.Flags().Changed("device") {
		cc.DeviceID, _ = cmd.Flags().GetInt("device")
	}

	token := cfg.Server.Token
	if token == "" {
		return fmt.Errorf("POISE_TOKEN environment variable is not set")
	}
	if !cc.Insecure && cc.CertFile == "" {
		return fmt.Errorf("server certificate file must be provided when not in insecure mode")
	}

	ctx, cancel := signalContext()
	defer cancel()

	if file, _ := cmd.Flags().GetString("file"); file != "" {
		pace, _ := cmd.Flags().GetBool("pace")
		return sendFile(ctx, cmd.OutOrStdout(), cc, token, file, pace)
	}

	var landmarks io.Reader
	switch path, _ := cmd.Flags().GetString("landmarks"); path {
	case "":
	case "-":
		landmarks = os.Stdin
	default:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open landmarks: %w", err)
		}
		defer f.Close()
		landmarks = f
	}

	report, err := poisecli.Launch(ctx, cc, token, landmarks)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func sendFile(ctx context.Context, out io.Writer, cc poisecli.Config, token, dir string, pace bool) error {
	b, err := recording.Load(dir)
	if err != nil {
		return err
	}

	s, conn, err := poisecli.Dial(ctx, cc, token)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to send start marker: %w", err)
	}
	info, err := poisecli.SendRecording(ctx, s, b, cc.SampleRate, pace)
	if err != nil {
		return err
	}
	slog.Info("Sent recording", "dir", dir, "duration", info.Duration.Seconds(), "landmarks", len(b.Landmarks))

	report, err := s.Finish(cc.ReportTimeout)
	if err != nil {
		return err
	}
	return printJSON(out, report)
}

func runDevices(cmd *cobra.Command, args []string) error {
	devices, err := poisecli.ListAudioDevices()
	if err != nil {
		return fmt.Errorf("failed to list audio devices: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Available audio input devices:")
	for _, device := range devices {
		fmt.Fprintf(out, "[%d] %s\n", device.ID, device.Info.Name)
		fmt.Fprintf(out, "    Max Input Channels: %d\n", device.Info.MaxInputChannels)
		fmt.Fprintf(out, "    Default Sample Rate: %f\n", device.Info.DefaultSampleRate)
		fmt.Fprintln(out)
	}
	return nil
}
