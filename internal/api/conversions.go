package api

import (
	"time"

	"mlbridge/internal/database"
	"mlbridge/internal/storage"
	"mlbridge/pkg/models"
)

func completionTime(t database.FinetuneRun) *time.Time {
	if t.CompletionTime.Valid {
		return &t.CompletionTime.Time
	}
	return nil
}

func runErrors(errs []database.RunError) []string {
	if len(errs) == 0 {
		return nil
	}
	messages := make([]string, len(errs))
	for i, e := range errs {
		messages[i] = e.Error
	}
	return messages
}

func toFinetuneRunResponse(run database.FinetuneRun) models.FinetuneRunResponse {
	return models.FinetuneRunResponse{
		RunId:           run.Id,
		Name:            run.Name,
		Status:          run.Status,
		PlatformJobId:   run.PlatformJobId,
		RegisteredModel: run.RegisteredModel,
		ModelVersion:    run.ModelVersion,
		CreationTime:    run.CreationTime,
		CompletionTime:  completionTime(run),
		Errors:          runErrors(run.Errors),
	}
}

func (s *BackendService) toScoringRunResponse(run database.ScoringRun) models.ScoringRunResponse {
	resp := models.ScoringRunResponse{
		RunId:          run.Id,
		EndpointName:   run.EndpointName,
		DeploymentName: run.DeploymentName,
		Status:         run.Status,
		PlatformJobId:  run.PlatformJobId,
		ChunkCount:     run.ChunkCount,
		RowCount:       run.RowCount,
		CreationTime:   run.CreationTime,
		Errors:         runErrors(run.Errors),
	}
	if run.CompletionTime.Valid {
		resp.CompletionTime = &run.CompletionTime.Time
	}
	if run.ResultKey != "" {
		resp.ResultURI = storage.URI(s.batchBucket, run.ResultKey)
	}
	return resp
}
