package integrationtests

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	backendapi "mlbridge/internal/api"
	"mlbridge/internal/batch"
	"mlbridge/internal/database"
	"mlbridge/internal/platform"
	"mlbridge/internal/storage"
	"mlbridge/internal/worker"
	"mlbridge/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupCommon(t *testing.T, fake *fakePlatform) (
	ctx context.Context,
	cancel func(),
	store *storage.S3Store,
	db *gorm.DB,
	router *chi.Mux,
) {
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)

	store = createS3Store(t, ctx)
	require.NoError(t, store.CreateBucket(ctx, batchBucket))
	require.NoError(t, store.CreateBucket(ctx, dataBucket))
	fake.store = store

	db = createDB(t, ctx)
	pub, sub := setupRabbitMQContainer(t, ctx)

	client := fake.start(t)

	backend := backendapi.NewBackendService(db, pub, store, client, batchBucket)
	router = chi.NewRouter()
	backend.AddRoutes(router)

	processor := worker.NewTaskProcessor(db, store, client, pub, sub, batchBucket, 100*time.Millisecond)
	go processor.Start()

	return ctx, cancel, store, db, router
}

func waitForFinetuneRun(t *testing.T, router *chi.Mux, runId string, attempts int, delay time.Duration) models.FinetuneRunResponse {
	t.Helper()

	var run models.FinetuneRunResponse
	for i := 0; i < attempts; i++ {
		time.Sleep(delay)
		require.NoError(t, httpRequest(router, "GET", "/finetune/"+runId, nil, &run))
		switch run.Status {
		case database.StatusCompleted, database.StatusFailed, database.StatusCanceled:
			return run
		}
	}
	return run
}

func waitForScoringRun(t *testing.T, router *chi.Mux, runId string, attempts int, delay time.Duration) models.ScoringRunResponse {
	t.Helper()

	var run models.ScoringRunResponse
	for i := 0; i < attempts; i++ {
		time.Sleep(delay)
		require.NoError(t, httpRequest(router, "GET", "/score/"+runId, nil, &run))
		switch run.Status {
		case database.StatusCompleted, database.StatusFailed, database.StatusCanceled:
			return run
		}
	}
	return run
}

func TestFinetuningWorkflow(t *testing.T) {
	fake := &fakePlatform{
		finetuneStatus: []string{platform.JobStatusQueued, platform.JobStatusRunning, platform.JobStatusCompleted},
	}
	_, cancel, _, _, router := setupCommon(t, fake)
	defer cancel()

	specYAML := `
name: embed-finetune
task: text_embedding
model: base-embed-v2:3
compute: gpu-cluster
training_data: s3://datasets/train.jsonl
registered_model: embed-finetuned
hyperparameters:
  epochs: 4
  learning_rate: 2e-5
`

	var resp models.FinetuneSubmitResponse
	require.NoError(t, httpRequest(router, "POST", "/finetune", models.FinetuneSubmitRequest{SpecYAML: specYAML}, &resp))

	run := waitForFinetuneRun(t, router, resp.RunId.String(), 100, 200*time.Millisecond)

	assert.Equal(t, database.StatusCompleted, run.Status)
	assert.Equal(t, "embed-finetune", run.Name)
	assert.Equal(t, "ft-job-1", run.PlatformJobId)
	assert.Equal(t, "embed-finetuned", run.RegisteredModel)
	assert.Equal(t, "1", run.ModelVersion)
	require.NotNil(t, run.CompletionTime)
}

func TestScoringWorkflow(t *testing.T) {
	fake := &fakePlatform{scoringStatus: platform.JobStatusCompleted}
	ctx, cancel, store, _, router := setupCommon(t, fake)
	defer cancel()

	var source bytes.Buffer
	source.WriteString("image,text\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&source, "img%d,caption %d\n", i, i)
	}
	require.NoError(t, store.PutObject(ctx, dataBucket, "images/input.csv", &source))

	var resp models.ScoreSubmitResponse
	require.NoError(t, httpRequest(router, "POST", "/endpoints/embed-batch/score", models.ScoreRequest{
		SourceURI: "s3://" + dataBucket + "/images/input.csv",
		ChunkSize: 10,
	}, &resp))

	run := waitForScoringRun(t, router, resp.RunId.String(), 100, 200*time.Millisecond)

	assert.Equal(t, database.StatusCompleted, run.Status)
	assert.Equal(t, "score-job-1", run.PlatformJobId)
	assert.Equal(t, 3, run.ChunkCount)
	assert.Equal(t, 25, run.RowCount)
	assert.NotEmpty(t, run.ResultURI)
	require.NotNil(t, run.CompletionTime)

	// The merged predictions stream back through the api as csv.
	req := httptest.NewRequest("GET", "/score/"+resp.RunId.String()+"/predictions", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))

	preds, err := batch.ReadPredictions(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	require.Len(t, preds, 25)

	assert.Equal(t, batch.ChunkFileName(0), preds[0].SourceFile)
	assert.Equal(t, 0, preds[0].RowNumber)
	assert.Equal(t, batch.ChunkFileName(2), preds[20].SourceFile)
	assert.Equal(t, []float64{0.25, 0.5}, preds[0].Embedding)
}
