package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"mlbridge/internal/batch"
	"mlbridge/internal/database"
	"mlbridge/internal/messaging"
	"mlbridge/internal/platform"
	"mlbridge/internal/storage"
)

// MergedPredictionsKey returns the datastore key of a scoring run's merged
// prediction file.
func MergedPredictionsKey(runId string) string {
	return runId + "/predictions.csv"
}

func (proc *TaskProcessor) processScoringTask(ctx context.Context, payload messaging.ScoringTaskPayload) error {
	runId := payload.RunId

	slog.Info("processing scoring task", "run_id", runId)

	var run database.ScoringRun
	if err := proc.db.First(&run, "id = ?", runId).Error; err != nil {
		slog.Error("error fetching scoring run", "run_id", runId, "error", err)
		return fmt.Errorf("error getting scoring run: %w", err)
	}

	if run.Status == database.StatusCanceled {
		slog.Info("run canceled, skipping scoring task", "run_id", runId)
		return nil
	}

	database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusRunning) //nolint:errcheck

	workDir, err := os.MkdirTemp("", "scoring-"+runId.String()+"-*")
	if err != nil {
		database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		return fmt.Errorf("error creating scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	chunkDir := filepath.Join(workDir, "input")
	rowCount, chunkCount, err := proc.prepareInputChunks(ctx, &run, chunkDir)
	if err != nil {
		database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("input preparation failed: %s", err.Error()))
		return err
	}

	inputPrefix := runId.String() + "/input/"
	outputPrefix := runId.String() + "/output/"

	if err := proc.store.UploadDir(ctx, proc.batchBucket, inputPrefix, chunkDir); err != nil {
		database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("chunk upload failed: %s", err.Error()))
		return fmt.Errorf("error uploading input chunks: %w", err)
	}

	if err := proc.db.WithContext(ctx).Model(&database.ScoringRun{Id: runId}).Updates(map[string]any{
		"input_prefix":  inputPrefix,
		"output_prefix": outputPrefix,
		"chunk_count":   chunkCount,
		"row_count":     rowCount,
	}).Error; err != nil {
		slog.Error("error recording input layout", "run_id", runId, "error", err)
	}

	slog.Info("input chunks uploaded", "run_id", runId, "chunks", chunkCount, "rows", rowCount)

	job, err := proc.platform.InvokeWithRetry(ctx, run.EndpointName, platform.InvokeRequest{
		DeploymentName: run.DeploymentName,
		InputURI:       storage.URI(proc.batchBucket, inputPrefix),
		OutputURI:      storage.URI(proc.batchBucket, outputPrefix),
	})
	if err != nil {
		database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("endpoint invocation failed: %s", err.Error()))
		return fmt.Errorf("error invoking endpoint %s: %w", run.EndpointName, err)
	}

	slog.Info("scoring job started", "run_id", runId, "job_id", job.ID, "endpoint", run.EndpointName)

	if err := proc.db.WithContext(ctx).Model(&database.ScoringRun{Id: runId}).
		Update("platform_job_id", job.ID).Error; err != nil {
		slog.Error("error recording scoring job id", "run_id", runId, "job_id", job.ID, "error", err)
	}

	final, err := proc.platform.WaitForJob(ctx, job.ID, proc.pollInterval, func(j *platform.Job) {
		slog.Info("scoring job status changed", "run_id", runId, "job_id", j.ID, "status", j.Status)
	})
	if err != nil {
		database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("job polling failed: %s", err.Error()))
		return fmt.Errorf("error waiting for scoring job: %w", err)
	}

	switch final.Status {
	case platform.JobStatusCompleted:
	case platform.JobStatusCanceled:
		slog.Info("scoring job canceled remotely", "run_id", runId, "job_id", final.ID)
		return database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusCanceled)
	default:
		database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("remote job failed: %s", final.Error))
		return fmt.Errorf("scoring job %s failed: %s", final.ID, final.Error)
	}

	resultKey, err := proc.mergePredictions(ctx, runId.String(), outputPrefix, filepath.Join(workDir, "output"))
	if err != nil {
		database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusFailed) //nolint:errcheck
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("prediction merge failed: %s", err.Error()))
		return err
	}

	if err := proc.db.WithContext(ctx).Model(&database.ScoringRun{Id: runId}).
		Update("result_key", resultKey).Error; err != nil {
		slog.Error("error recording result key", "run_id", runId, "error", err)
	}

	slog.Info("scoring run completed", "run_id", runId, "result", storage.URI(proc.batchBucket, resultKey))

	return database.UpdateScoringRunStatus(ctx, proc.db, runId, database.StatusCompleted)
}

// prepareInputChunks downloads the run's source CSV and splits it into chunk
// files under chunkDir. It returns the row and chunk counts.
func (proc *TaskProcessor) prepareInputChunks(ctx context.Context, run *database.ScoringRun, chunkDir string) (int, int, error) {
	data, err := proc.store.GetObject(ctx, run.SourceBucket, run.SourceKey)
	if err != nil {
		return 0, 0, fmt.Errorf("error downloading source data %s/%s: %w", run.SourceBucket, run.SourceKey, err)
	}

	rows, err := batch.ReadRows(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("error parsing source data %s/%s: %w", run.SourceBucket, run.SourceKey, err)
	}

	chunkSize := run.ChunkSize
	if chunkSize <= 0 {
		chunkSize = batch.DefaultChunkSize
	}

	files, err := batch.WriteChunks(chunkDir, rows, chunkSize)
	if err != nil {
		return 0, 0, fmt.Errorf("error writing input chunks: %w", err)
	}

	return len(rows), len(files), nil
}

// mergePredictions downloads every prediction file the scoring job produced,
// restores the original row order, and uploads a single merged CSV.
func (proc *TaskProcessor) mergePredictions(ctx context.Context, runId, outputPrefix, downloadDir string) (string, error) {
	if err := proc.store.DownloadDir(ctx, proc.batchBucket, outputPrefix, downloadDir, true); err != nil {
		return "", fmt.Errorf("error downloading predictions: %w", err)
	}

	var merged []batch.Prediction
	err := filepath.Walk(downloadDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("error opening prediction file %s: %w", path, err)
		}
		defer file.Close()

		preds, err := batch.ReadPredictions(file)
		if err != nil {
			return fmt.Errorf("error parsing prediction file %s: %w", path, err)
		}
		merged = append(merged, preds...)
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(merged) == 0 {
		return "", fmt.Errorf("scoring job produced no predictions under %s", outputPrefix)
	}

	batch.SortPredictions(merged)

	var buf bytes.Buffer
	if err := batch.WritePredictions(&buf, merged); err != nil {
		return "", fmt.Errorf("error writing merged predictions: %w", err)
	}

	resultKey := MergedPredictionsKey(runId)
	if err := proc.store.PutObject(ctx, proc.batchBucket, resultKey, &buf); err != nil {
		return "", fmt.Errorf("error uploading merged predictions: %w", err)
	}

	return resultKey, nil
}
