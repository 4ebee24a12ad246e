package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bosley/speaktotext/audio"
	"github.com/bosley/speaktotext/cache"
	"github.com/bosley/speaktotext/jobs"
	"github.com/bosley/speaktotext/policy"
	"github.com/bosley/speaktotext/proc"
	"github.com/bosley/speaktotext/worker"
)

// runJob drives one job to a terminal state. Every failure is recorded on
// the job; nothing escapes.
func (s *Scribe) runJob(jobID string, req jobRequest) {
	defer s.workers.Done()

	var wavPath string
	defer func() {
		if req.UploadPath != "" {
			os.Remove(req.UploadPath)
		}
		if wavPath != "" {
			os.Remove(wavPath)
		}
	}()

	err := s.processJob(s.ctx, jobID, req, &wavPath)
	if err == nil {
		return
	}

	msg, hint := s.describeFailure(jobID, err, req.Credential)
	slog.Error("Job failed", "jobID", jobID, "error", msg)
	if _, uerr := s.jobs.Update(jobID, func(j *jobs.Job) {
		j.Status = jobs.StatusError
		j.Stage = "failed"
		j.Progress = "Failed"
		j.Error = msg
		j.ErrorHint = hint
	}); uerr != nil && !errors.Is(uerr, jobs.ErrNotFound) {
		slog.Error("Failed to record job failure", "jobID", jobID, "error", uerr)
	}
}

func (s *Scribe) processJob(ctx context.Context, jobID string, req jobRequest, wavPath *string) error {
	source := req.UploadPath

	if req.URL != "" {
		if err := s.setStage(jobID, jobs.StatusDownloading, "downloading", "Downloading audio..."); err != nil {
			return err
		}
		path, err := s.cache.Resolve(ctx, req.URL, func(p cache.Progress) {
			s.setProgress(jobID, p.Message)
		})
		if err != nil {
			return err
		}
		source = path
	}

	if err := s.setStage(jobID, jobs.StatusProcessing, "converting", "Converting audio..."); err != nil {
		return err
	}
	*wavPath = filepath.Join(s.config.WorkDir, "job-"+jobID+".wav")
	if err := s.converter.ToWav(ctx, source, *wavPath); err != nil {
		return err
	}

	var duration *float64
	if d, err := s.converter.Duration(ctx, *wavPath); err != nil {
		slog.Warn("Could not determine audio duration", "jobID", jobID, "error", err)
	} else {
		duration = &d
	}

	model := req.Model
	timeout := policy.MaxTimeout
	var estimate float64
	if duration != nil {
		if model == modelAuto {
			model = policy.SelectModel(*duration)
		}
		timeout = policy.CalculateTimeout(*duration, model)
		estimate = policy.EstimateAll(*duration)[model].Seconds
	} else if model == modelAuto {
		model = policy.DefaultModel
	}

	progress := fmt.Sprintf("Transcribing with %s model...", model)
	if estimate > 0 {
		progress = fmt.Sprintf("Transcribing with %s model (estimated %s)...", model, policy.Humanize(estimate))
	}
	if _, err := s.jobs.Update(jobID, func(j *jobs.Job) {
		j.Stage = "transcribing"
		j.Progress = progress
		j.Model = model
		j.DurationSeconds = duration
		j.TimeoutSeconds = timeout.Seconds()
		j.EstimatedSeconds = estimate
	}); err != nil {
		return err
	}

	slog.Info("Dispatching transcription",
		"jobID", jobID,
		"model", model,
		"timeout", timeout)

	start := time.Now()
	out, err := s.transcriber.Transcribe(ctx, worker.Request{
		AudioPath:  *wavPath,
		Model:      model,
		JobID:      jobID,
		Credential: req.Credential,
		Timeout:    timeout,
	})
	if err != nil {
		return err
	}

	result := out.Result
	_, err = s.jobs.Update(jobID, func(j *jobs.Job) {
		j.Status = jobs.StatusCompleted
		j.Stage = "completed"
		j.Progress = "Done"
		j.Language = out.Language
		j.Result = &result
	})
	if err == nil {
		slog.Info("Job completed",
			"jobID", jobID,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"diarization", result.DiarizationStatus)
	}
	return err
}

func (s *Scribe) setStage(jobID string, status jobs.Status, stage, progress string) error {
	_, err := s.jobs.Update(jobID, func(j *jobs.Job) {
		j.Status = status
		j.Stage = stage
		j.Progress = progress
	})
	return err
}

// setProgress is advisory; failures are ignored.
func (s *Scribe) setProgress(jobID, progress string) {
	_, _ = s.jobs.Update(jobID, func(j *jobs.Job) { j.Progress = progress })
}

// describeFailure turns err into a sanitized client message and a hint.
func (s *Scribe) describeFailure(jobID string, err error, credential string) (string, string) {
	var (
		timeoutErr *worker.TimeoutError
		failErr    *worker.FailureError
		dlErr      *cache.DownloadError
		convErr    *audio.ConversionError
	)

	switch {
	case errors.As(err, &timeoutErr):
		msg := timeoutErr.Error()
		if job, gerr := s.jobs.Get(jobID); gerr == nil && job.DurationSeconds != nil {
			msg = fmt.Sprintf("Transcription timed out after %s for %s of audio on model %s",
				timeoutErr.Timeout.Round(time.Second), time.Duration(*job.DurationSeconds*float64(time.Second)).Round(time.Second), timeoutErr.Model)
		}
		return worker.Sanitize(msg, credential), "Try a smaller model or split the audio into shorter parts"

	case errors.As(err, &failErr):
		return failErr.Message, "Check the server logs for worker diagnostics"

	case errors.As(err, &dlErr):
		hint := "Check that the URL is reachable and points to audio or video"
		switch dlErr.Kind {
		case cache.KindToolMissing:
			hint = "Install yt-dlp and make sure it is on PATH"
		case cache.KindTimeout:
			hint = "The download took too long; try again or upload the file instead"
		}
		return worker.Sanitize(dlErr.Error(), credential), hint

	case errors.As(err, &convErr):
		hint := "The file may be corrupt or in an unsupported format"
		if errors.Is(convErr, proc.ErrNotFound) {
			hint = "Install ffmpeg and make sure it is on PATH"
		}
		return worker.Sanitize(convErr.Error(), credential), hint

	case errors.Is(err, context.Canceled):
		return "Server is shutting down", "Resubmit the job after the server restarts"

	default:
		return worker.Sanitize(err.Error(), credential), ""
	}
}
