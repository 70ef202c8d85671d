package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"mlbridge/internal/database"
	"mlbridge/internal/jobspec"
	"mlbridge/internal/messaging"
	"mlbridge/internal/platform"
)

func (proc *TaskProcessor) processFinetuneTask(ctx context.Context, payload messaging.FinetuneTaskPayload) error {
	runId := payload.RunId

	slog.Info("processing finetune task", "run_id", runId)

	var run database.FinetuneRun
	if err := proc.db.First(&run, "id = ?", runId).Error; err != nil {
		slog.Error("error fetching finetune run", "run_id", runId, "error", err)
		return fmt.Errorf("error getting finetune run: %w", err)
	}

	if run.Status == database.StatusCanceled {
		slog.Info("run canceled, skipping finetune task", "run_id", runId)
		return nil
	}

	var spec jobspec.FinetuneSpec
	if err := json.Unmarshal(run.Spec, &spec); err != nil {
		database.UpdateFinetuneRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("invalid job descriptor: %s", err.Error()))
		return fmt.Errorf("error parsing stored job descriptor: %w", err)
	}

	job, err := proc.platform.CreateFinetuneJob(ctx, &spec)
	if err != nil {
		database.UpdateFinetuneRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("job submission failed: %s", err.Error()))
		return fmt.Errorf("error submitting finetune job: %w", err)
	}

	slog.Info("finetune job submitted", "run_id", runId, "job_id", job.ID)

	if err := proc.db.WithContext(ctx).Model(&database.FinetuneRun{Id: runId}).Updates(map[string]any{
		"platform_job_id": job.ID,
		"status":          database.StatusSubmitted,
	}).Error; err != nil {
		slog.Error("error recording submitted job", "run_id", runId, "job_id", job.ID, "error", err)
	}

	final, err := proc.platform.WaitForJob(ctx, job.ID, proc.pollInterval, func(j *platform.Job) {
		slog.Info("finetune job status changed", "run_id", runId, "job_id", j.ID, "status", j.Status)
		database.UpdateFinetuneRunStatus(ctx, proc.db, runId, toRunStatus(j.Status)) //nolint:errcheck
	})
	if err != nil {
		database.UpdateFinetuneRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("job polling failed: %s", err.Error()))
		return fmt.Errorf("error waiting for finetune job: %w", err)
	}

	switch final.Status {
	case platform.JobStatusCompleted:
	case platform.JobStatusCanceled:
		slog.Info("finetune job canceled remotely", "run_id", runId, "job_id", final.ID)
		return nil
	default:
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("remote job failed: %s", final.Error))
		return fmt.Errorf("finetune job %s failed: %s", final.ID, final.Error)
	}

	if spec.RegisteredModel != "" {
		model, err := proc.platform.RegisterModel(ctx, spec.RegisteredModel, final.ID)
		if err != nil {
			database.UpdateFinetuneRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
			database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("model registration failed: %s", err.Error()))
			return fmt.Errorf("error registering model: %w", err)
		}

		slog.Info("model registered", "run_id", runId, "model", model.Name, "version", model.Version)

		if err := proc.db.WithContext(ctx).Model(&database.FinetuneRun{Id: runId}).Updates(map[string]any{
			"registered_model": model.Name,
			"model_version":    model.Version,
		}).Error; err != nil {
			slog.Error("error recording registered model", "run_id", runId, "error", err)
		}
	}

	return database.UpdateFinetuneRunStatus(ctx, proc.db, runId, database.StatusCompleted)
}
