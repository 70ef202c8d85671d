package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mlbridge/internal/database"
	"mlbridge/internal/jobspec"
	"mlbridge/internal/messaging"
	"mlbridge/internal/platform"
	"mlbridge/internal/storage"
	"mlbridge/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	store     storage.Store
	platform  *platform.Client

	batchBucket string
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher, store storage.Store, client *platform.Client, batchBucket string) *BackendService {
	return &BackendService{
		db:          db,
		publisher:   publisher,
		store:       store,
		platform:    client,
		batchBucket: batchBucket,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/finetune", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitFinetuneRun))
		r.Get("/", RestHandler(s.ListFinetuneRuns))
		r.Get("/{run_id}", RestHandler(s.GetFinetuneRun))
		r.Post("/{run_id}/cancel", RestHandler(s.CancelFinetuneRun))
	})
	r.Route("/environments", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateEnvironment))
		r.Get("/{name}", RestHandler(s.GetEnvironment))
	})
	r.Route("/endpoints", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateEndpoint))
		r.Get("/{name}", RestHandler(s.GetEndpoint))
		r.Delete("/{name}", RestHandler(s.DeleteEndpoint))
		r.Post("/{name}/deployments", RestHandler(s.CreateDeployment))
		r.Post("/{name}/score", RestHandler(s.SubmitScoringRun))
	})
	r.Route("/score", func(r chi.Router) {
		r.Get("/{run_id}", RestHandler(s.GetScoringRun))
		r.Get("/{run_id}/predictions", s.DownloadPredictions)
	})
}

func (s *BackendService) SubmitFinetuneRun(r *http.Request) (any, error) {
	req, err := ParseRequest[models.FinetuneSubmitRequest](r)
	if err != nil {
		return nil, err
	}

	spec, err := jobspec.ParseFinetuneSpec(strings.NewReader(req.SpecYAML))
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid job descriptor: %v", err)
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to snapshot job descriptor")
	}

	ctx := r.Context()

	run := database.FinetuneRun{
		Id:           uuid.New(),
		Name:         spec.Name,
		Spec:         datatypes.JSON(specJSON),
		Status:       database.StatusQueued,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating finetune run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create finetune run entry")
	}

	if err := s.publisher.PublishFinetuneTask(ctx, messaging.FinetuneTaskPayload{RunId: run.Id}); err != nil {
		slog.Error("error publishing finetune task", "run_id", run.Id, "error", err)
		database.UpdateFinetuneRunStatus(ctx, s.db, run.Id, database.StatusFailed) //nolint:errcheck
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue finetune task")
	}

	slog.Info("submitted finetune run", "run_id", run.Id, "name", spec.Name)
	return models.FinetuneSubmitResponse{Message: "Finetune job submitted", RunId: run.Id}, nil
}

type listRunsParams struct {
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
}

func (s *BackendService) ListFinetuneRuns(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[listRunsParams](r)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(r.Context()).Order("creation_time DESC")
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}

	var runs []database.FinetuneRun
	if err := query.Find(&runs).Error; err != nil {
		slog.Error("error listing finetune runs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing finetune runs")
	}

	responses := make([]models.FinetuneRunResponse, len(runs))
	for i, run := range runs {
		responses[i] = toFinetuneRunResponse(run)
	}
	return responses, nil
}

func (s *BackendService) GetFinetuneRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	var run database.FinetuneRun
	if err := s.db.WithContext(r.Context()).Preload("Errors").First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "finetune run not found")
		}
		slog.Error("error getting finetune run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving finetune run")
	}

	return toFinetuneRunResponse(run), nil
}

func (s *BackendService) CancelFinetuneRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var run database.FinetuneRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "finetune run not found")
		}
		slog.Error("error getting finetune run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving finetune run")
	}

	switch run.Status {
	case database.StatusCompleted, database.StatusFailed, database.StatusCanceled:
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "run already finished with status %s", run.Status)
	}

	if run.PlatformJobId != "" {
		if err := s.platform.CancelJob(ctx, run.PlatformJobId); err != nil && !platform.IsNotFound(err) {
			slog.Error("error canceling remote job", "run_id", runId, "job_id", run.PlatformJobId, "error", err)
			return nil, CodedErrorf(http.StatusBadGateway, "failed to cancel remote job")
		}
	}

	if err := database.UpdateFinetuneRunStatus(ctx, s.db, runId, database.StatusCanceled); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to update run status")
	}

	slog.Info("canceled finetune run", "run_id", runId)
	return nil, nil
}

func (s *BackendService) CreateEnvironment(r *http.Request) (any, error) {
	req, err := ParseRequest[models.EnvironmentRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if req.BaseImage == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "base_image is required")
	}

	var conda *jobspec.CondaEnv
	if req.CondaYAML != "" {
		conda, err = jobspec.ParseCondaEnv(strings.NewReader(req.CondaYAML))
		if err != nil {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid conda environment: %v", err)
		}
	}

	ctx := r.Context()

	created, err := s.platform.CreateOrUpdateEnvironment(ctx, platform.NewEnvironment(req.Name, req.BaseImage, conda))
	if err != nil {
		slog.Error("error creating environment", "name", req.Name, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "failed to create environment: %v", err)
	}

	deps, err := json.Marshal(created.CondaDependencies)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to record environment")
	}

	record := database.EnvironmentRecord{
		Name:         created.Name,
		Version:      created.Version,
		BaseImage:    created.BaseImage,
		Dependencies: datatypes.JSON(deps),
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		slog.Error("error saving environment record", "name", created.Name, "error", err)
	}

	return models.EnvironmentResponse{
		Name:         created.Name,
		Version:      created.Version,
		BaseImage:    created.BaseImage,
		Dependencies: created.CondaDependencies,
	}, nil
}

func (s *BackendService) GetEnvironment(r *http.Request) (any, error) {
	name := chi.URLParam(r, "name")
	version := r.URL.Query().Get("version")

	env, err := s.platform.GetEnvironment(r.Context(), name, version)
	if err != nil {
		if platform.IsNotFound(err) {
			return nil, CodedErrorf(http.StatusNotFound, "environment not found")
		}
		slog.Error("error getting environment", "name", name, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "failed to get environment: %v", err)
	}

	return models.EnvironmentResponse{
		Name:         env.Name,
		Version:      env.Version,
		BaseImage:    env.BaseImage,
		Dependencies: env.CondaDependencies,
	}, nil
}

func (s *BackendService) CreateEndpoint(r *http.Request) (any, error) {
	req, err := ParseRequest[models.EndpointRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	ctx := r.Context()

	endpoint, err := s.platform.CreateOrUpdateEndpoint(ctx, platform.BatchEndpoint{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		slog.Error("error creating endpoint", "name", req.Name, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "failed to create endpoint: %v", err)
	}

	record := database.EndpointRecord{
		Name:         endpoint.Name,
		ScoringURI:   endpoint.ScoringURI,
		CreationTime: time.Now().UTC(),
	}

	if req.DeploymentYAML != "" {
		spec, err := jobspec.ParseBatchDeploymentSpec(strings.NewReader(req.DeploymentYAML))
		if err != nil {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid deployment descriptor: %v", err)
		}
		if spec.EndpointName != req.Name {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "deployment endpoint_name %q does not match endpoint %q", spec.EndpointName, req.Name)
		}

		dep, err := s.platform.CreateOrUpdateDeployment(ctx, platform.NewBatchDeployment(spec))
		if err != nil {
			slog.Error("error creating deployment", "endpoint", req.Name, "deployment", spec.Name, "error", err)
			return nil, CodedErrorf(http.StatusBadGateway, "failed to create deployment: %v", err)
		}

		specJSON, err := json.Marshal(spec)
		if err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to record deployment")
		}
		record.DefaultDeployment = dep.Name
		record.DeploymentSpec = datatypes.JSON(specJSON)
	}

	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		slog.Error("error saving endpoint record", "name", req.Name, "error", err)
	}

	return models.EndpointResponse{
		Name:              endpoint.Name,
		ScoringURI:        endpoint.ScoringURI,
		DefaultDeployment: record.DefaultDeployment,
	}, nil
}

func (s *BackendService) GetEndpoint(r *http.Request) (any, error) {
	name := chi.URLParam(r, "name")

	endpoint, err := s.platform.GetEndpoint(r.Context(), name)
	if err != nil {
		if platform.IsNotFound(err) {
			return nil, CodedErrorf(http.StatusNotFound, "endpoint not found")
		}
		slog.Error("error getting endpoint", "name", name, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "failed to get endpoint: %v", err)
	}

	return models.EndpointResponse{
		Name:              endpoint.Name,
		ScoringURI:        endpoint.ScoringURI,
		DefaultDeployment: endpoint.DefaultDeployment,
	}, nil
}

func (s *BackendService) DeleteEndpoint(r *http.Request) (any, error) {
	name := chi.URLParam(r, "name")

	ctx := r.Context()

	if err := s.platform.DeleteEndpoint(ctx, name); err != nil && !platform.IsNotFound(err) {
		slog.Error("error deleting endpoint", "name", name, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "failed to delete endpoint: %v", err)
	}

	if err := s.db.WithContext(ctx).Delete(&database.EndpointRecord{Name: name}).Error; err != nil {
		slog.Error("error deleting endpoint record", "name", name, "error", err)
	}

	return nil, nil
}

// CreateDeployment adds a deployment behind an existing endpoint and makes it
// the endpoint's default.
func (s *BackendService) CreateDeployment(r *http.Request) (any, error) {
	endpointName := chi.URLParam(r, "name")
	if err := validateName(endpointName); err != nil {
		return nil, err
	}

	req, err := ParseRequest[models.DeploymentRequest](r)
	if err != nil {
		return nil, err
	}

	spec, err := jobspec.ParseBatchDeploymentSpec(strings.NewReader(req.DeploymentYAML))
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid deployment descriptor: %v", err)
	}
	if spec.EndpointName != endpointName {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "deployment endpoint_name %q does not match endpoint %q", spec.EndpointName, endpointName)
	}

	ctx := r.Context()

	if _, err := s.platform.GetEndpoint(ctx, endpointName); err != nil {
		if platform.IsNotFound(err) {
			return nil, CodedErrorf(http.StatusNotFound, "endpoint not found")
		}
		slog.Error("error checking endpoint", "name", endpointName, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "failed to check endpoint: %v", err)
	}

	dep, err := s.platform.CreateOrUpdateDeployment(ctx, platform.NewBatchDeployment(spec))
	if err != nil {
		slog.Error("error creating deployment", "endpoint", endpointName, "deployment", spec.Name, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "failed to create deployment: %v", err)
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to record deployment")
	}
	if err := s.db.WithContext(ctx).Model(&database.EndpointRecord{Name: endpointName}).Updates(map[string]any{
		"default_deployment": dep.Name,
		"deployment_spec":    datatypes.JSON(specJSON),
	}).Error; err != nil {
		slog.Error("error updating endpoint record", "name", endpointName, "error", err)
	}

	return models.DeploymentResponse{
		Name:              dep.Name,
		EndpointName:      endpointName,
		ProvisioningState: dep.ProvisioningState,
	}, nil
}

func (s *BackendService) SubmitScoringRun(r *http.Request) (any, error) {
	endpointName := chi.URLParam(r, "name")
	if err := validateName(endpointName); err != nil {
		return nil, err
	}

	req, err := ParseRequest[models.ScoreRequest](r)
	if err != nil {
		return nil, err
	}

	bucket, key, err := storage.ParseURI(req.SourceURI)
	if err != nil || key == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid source_uri, expected s3://bucket/key")
	}

	ctx := r.Context()

	if _, err := s.platform.GetEndpoint(ctx, endpointName); err != nil {
		if platform.IsNotFound(err) {
			return nil, CodedErrorf(http.StatusNotFound, "endpoint not found")
		}
		slog.Error("error checking endpoint", "name", endpointName, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "failed to check endpoint: %v", err)
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}

	run := database.ScoringRun{
		Id:             uuid.New(),
		EndpointName:   endpointName,
		DeploymentName: req.DeploymentName,
		SourceBucket:   bucket,
		SourceKey:      key,
		ChunkSize:      chunkSize,
		Status:         database.StatusQueued,
		CreationTime:   time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating scoring run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create scoring run entry")
	}

	if err := s.publisher.PublishScoringTask(ctx, messaging.ScoringTaskPayload{RunId: run.Id}); err != nil {
		slog.Error("error publishing scoring task", "run_id", run.Id, "error", err)
		database.UpdateScoringRunStatus(ctx, s.db, run.Id, database.StatusFailed) //nolint:errcheck
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue scoring task")
	}

	slog.Info("submitted scoring run", "run_id", run.Id, "endpoint", endpointName)
	return models.ScoreSubmitResponse{Message: "Scoring job submitted", RunId: run.Id}, nil
}

func (s *BackendService) GetScoringRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	var run database.ScoringRun
	if err := s.db.WithContext(r.Context()).Preload("Errors").First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "scoring run not found")
		}
		slog.Error("error getting scoring run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving scoring run")
	}

	return s.toScoringRunResponse(run), nil
}

// DownloadPredictions streams the merged prediction CSV of a completed run.
func (s *BackendService) DownloadPredictions(w http.ResponseWriter, r *http.Request) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	var run database.ScoringRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "scoring run not found", http.StatusNotFound)
			return
		}
		slog.Error("error getting scoring run", "error", err)
		http.Error(w, "error retrieving scoring run", http.StatusInternalServerError)
		return
	}

	if run.Status != database.StatusCompleted || run.ResultKey == "" {
		http.Error(w, fmt.Sprintf("predictions not available, run status is %s", run.Status), http.StatusConflict)
		return
	}

	data, err := s.store.GetObject(ctx, s.batchBucket, run.ResultKey)
	if err != nil {
		slog.Error("error downloading predictions", "run_id", runId, "error", err)
		http.Error(w, "error downloading predictions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="predictions.csv"`)
	if _, err := w.Write(data); err != nil {
		slog.Error("error writing predictions response", "run_id", runId, "error", err)
	}
}
