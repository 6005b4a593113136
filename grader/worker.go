package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bosley/poise/engine"
	"github.com/bosley/poise/metrics"
	"github.com/bosley/poise/recording"
	"github.com/bosley/poise/store"
)

func (g *Grader) worker(ctx context.Context) {
	slog.Debug("Worker starting")
	defer func() {
		slog.Debug("Worker shutting down")
		g.workers.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker context cancelled")
			return

		case job, ok := <-g.queue:
			if !ok {
				slog.Debug("Worker queue closed")
				return
			}

			if err := g.processJob(ctx, job); err != nil {
				metrics.GradeFailures.Inc()
				slog.Error("Failed to grade recording",
					"error", err,
					"dir", job.Dir)
			}
		}
	}
}

func (g *Grader) processJob(ctx context.Context, job GradeJob) error {
	slog.Info("Grading recording", "dir", job.Dir)
	began := time.Now()

	b, err := recording.Load(job.Dir)
	if err != nil {
		return fmt.Errorf("failed to load bundle: %w", err)
	}

	report, stats, err := b.Replay(g.engine, g.analyser)
	if err != nil {
		return err
	}
	metrics.GradeDuration.Observe(time.Since(began).Seconds())
	metrics.SessionsFinished.WithLabelValues(metrics.SourceRecording, metrics.Evaluable(report.Evaluable)).Inc()

	id := b.Meta.ID
	if id == "" {
		id = filepath.Base(job.Dir)
	}

	slog.Info("Graded recording",
		"id", id,
		"evaluable", report.Evaluable,
		"duration", stats.Duration.Seconds(),
		"audioFrames", stats.AudioFrames,
		"visualFrames", stats.VisualFrames,
		"skippedLines", stats.Skipped,
		"elapsed", time.Since(began).Seconds())

	g.Publish(ctx, id, metrics.SourceRecording, report)
	return nil
}

// Publish records a report and pushes it to its subscribers. It also receives the reports
// of live sessions from the ingest server.
func (g *Grader) Publish(ctx context.Context, id, source string, r engine.Report) {
	rec := store.Record{
		ID:        id,
		Source:    source,
		Evaluable: r.Evaluable,
		CreatedAt: time.Now().UTC(),
		Report:    r,
	}
	g.recent.put(rec)

	if g.store != nil {
		if err := g.store.Save(ctx, rec); err != nil {
			slog.Error("Failed to store report", "error", err, "id", id)
		}
	}

	data, err := json.Marshal(WebSocketMessage{
		Type:      messageTypeReport,
		ID:        id,
		Source:    source,
		Timestamp: rec.CreatedAt,
		Payload:   r,
	})
	if err != nil {
		slog.Error("Failed to marshal message", "error", err, "id", id)
		return
	}
	g.broadcast(id, data)
}
