package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCanceled
}

func UpdateFinetuneRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if isTerminal(status) {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&FinetuneRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating finetune run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateScoringRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if isTerminal(status) {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&ScoringRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating scoring run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveRunError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, errorMessage string) {
	runError := RunError{
		RunId:     runId,
		ErrorId:   uuid.New(),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&runError).Error; err != nil {
		slog.Error("error saving run error", "run_id", runId, "error", err)
	}
}
