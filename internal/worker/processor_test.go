package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mlbridge/internal/batch"
	"mlbridge/internal/database"
	"mlbridge/internal/jobspec"
	"mlbridge/internal/messaging"
	"mlbridge/internal/platform"
	"mlbridge/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testWorkspace   = "test-ws"
	testBatchBucket = "batch"
	testDataBucket  = "datasets"
)

func createDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

func createStore(t *testing.T) *storage.LocalStore {
	t.Helper()

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), testBatchBucket))
	require.NoError(t, store.CreateBucket(context.Background(), testDataBucket))
	return store
}

// fakePlatform emulates the workspace API. Invoking a batch endpoint writes
// one prediction file per input chunk into the store, like the real platform's
// compute would.
type fakePlatform struct {
	store storage.Store

	finetunePolls  atomic.Int32
	finetuneStatus []string
	scoringStatus  string
	failInvoke     bool
}

func (f *fakePlatform) handler(t *testing.T) http.Handler {
	prefix := "/api/v1/workspaces/" + testWorkspace

	mux := http.NewServeMux()

	mux.HandleFunc("POST "+prefix+"/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, platform.Job{ID: "ft-job-1", Status: platform.JobStatusQueued})
	})

	mux.HandleFunc("GET "+prefix+"/jobs/ft-job-1", func(w http.ResponseWriter, r *http.Request) {
		i := int(f.finetunePolls.Add(1)) - 1
		if i >= len(f.finetuneStatus) {
			i = len(f.finetuneStatus) - 1
		}
		job := platform.Job{ID: "ft-job-1", Status: f.finetuneStatus[i]}
		if job.Status == platform.JobStatusFailed {
			job.Error = "compute quota exceeded"
		}
		writeJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("GET "+prefix+"/jobs/score-job-1", func(w http.ResponseWriter, r *http.Request) {
		job := platform.Job{ID: "score-job-1", Status: f.scoringStatus}
		if job.Status == platform.JobStatusFailed {
			job.Error = "deployment crashed"
		}
		writeJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("POST "+prefix+"/models", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, platform.ModelVersion{Name: body["name"], Version: "1", JobID: body["job_id"]})
	})

	mux.HandleFunc("POST "+prefix+"/endpoints/embed-batch/invoke", func(w http.ResponseWriter, r *http.Request) {
		if f.failInvoke {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": map[string]string{"code": "Busy", "message": "endpoint busy"},
			})
			return
		}

		var req platform.InvokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NoError(t, f.score(r.Context(), req))

		writeJSON(w, http.StatusOK, platform.Job{ID: "score-job-1", Status: platform.JobStatusQueued})
	})

	return mux
}

// score reads every uploaded chunk and writes a headerless prediction file for
// it under the requested output prefix.
func (f *fakePlatform) score(ctx context.Context, req platform.InvokeRequest) error {
	inBucket, inPrefix, err := storage.ParseURI(req.InputURI)
	if err != nil {
		return err
	}
	outBucket, outPrefix, err := storage.ParseURI(req.OutputURI)
	if err != nil {
		return err
	}

	objects, err := f.store.ListObjects(ctx, inBucket, inPrefix)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		data, err := f.store.GetObject(ctx, inBucket, obj.Name)
		if err != nil {
			return err
		}
		rows, err := batch.ReadRows(bytes.NewReader(data))
		if err != nil {
			return err
		}

		var out bytes.Buffer
		for i := range rows {
			fmt.Fprintf(&out, "%d,0.25,0.5,%s\n", i, path.Base(obj.Name))
		}

		key := outPrefix + "scored-" + path.Base(obj.Name)
		if err := f.store.PutObject(ctx, outBucket, key, &out); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func newProcessor(t *testing.T, fake *fakePlatform) (*TaskProcessor, *gorm.DB, *storage.LocalStore, *messaging.InMemoryQueue) {
	t.Helper()

	db := createDB(t)
	store := createStore(t)
	fake.store = store

	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	client := platform.NewClient(platform.Config{
		BaseURL:        server.URL,
		Workspace:      testWorkspace,
		APIToken:       "test-token",
		RequestTimeout: 10 * time.Second,
	})

	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(db, store, client, queue, queue, testBatchBucket, time.Millisecond)
	return proc, db, store, queue
}

func marshalSpec(t *testing.T, spec jobspec.FinetuneSpec) []byte {
	t.Helper()

	data, err := json.Marshal(spec)
	require.NoError(t, err)
	return data
}

func TestFinetuneTask(t *testing.T) {
	fake := &fakePlatform{
		finetuneStatus: []string{platform.JobStatusQueued, platform.JobStatusRunning, platform.JobStatusCompleted},
	}
	proc, db, _, queue := newProcessor(t, fake)
	ctx := context.Background()

	run := database.FinetuneRun{
		Id:   uuid.New(),
		Name: "embed-finetune",
		Spec: marshalSpec(t, jobspec.FinetuneSpec{
			Name:            "embed-finetune",
			Model:           "base-embed-v2:3",
			ComputeTarget:   "gpu-cluster",
			TrainingData:    "s3://datasets/train.jsonl",
			RegisteredModel: "embed-finetuned",
		}),
		Status:       database.StatusQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&run).Error)

	require.NoError(t, queue.PublishFinetuneTask(ctx, messaging.FinetuneTaskPayload{RunId: run.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var loaded database.FinetuneRun
	require.NoError(t, db.First(&loaded, "id = ?", run.Id).Error)
	assert.Equal(t, database.StatusCompleted, loaded.Status)
	assert.Equal(t, "ft-job-1", loaded.PlatformJobId)
	assert.Equal(t, "embed-finetuned", loaded.RegisteredModel)
	assert.Equal(t, "1", loaded.ModelVersion)
	assert.True(t, loaded.CompletionTime.Valid)
}

func TestFinetuneTaskRemoteFailure(t *testing.T) {
	fake := &fakePlatform{
		finetuneStatus: []string{platform.JobStatusRunning, platform.JobStatusFailed},
	}
	proc, db, _, queue := newProcessor(t, fake)
	ctx := context.Background()

	run := database.FinetuneRun{
		Id:   uuid.New(),
		Name: "embed-finetune",
		Spec: marshalSpec(t, jobspec.FinetuneSpec{
			Name:          "embed-finetune",
			Model:         "base-embed-v2:3",
			ComputeTarget: "gpu-cluster",
			TrainingData:  "s3://datasets/train.jsonl",
		}),
		Status:       database.StatusQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&run).Error)

	require.NoError(t, queue.PublishFinetuneTask(ctx, messaging.FinetuneTaskPayload{RunId: run.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var loaded database.FinetuneRun
	require.NoError(t, db.Preload("Errors").First(&loaded, "id = ?", run.Id).Error)
	assert.Equal(t, database.StatusFailed, loaded.Status)
	require.NotEmpty(t, loaded.Errors)
	assert.Contains(t, loaded.Errors[0].Error, "compute quota exceeded")
}

func TestScoringTask(t *testing.T) {
	fake := &fakePlatform{scoringStatus: platform.JobStatusCompleted}
	proc, db, store, queue := newProcessor(t, fake)
	ctx := context.Background()

	var source bytes.Buffer
	source.WriteString("image,text\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&source, "img%d,caption %d\n", i, i)
	}
	require.NoError(t, store.PutObject(ctx, testDataBucket, "images/input.csv", &source))

	run := database.ScoringRun{
		Id:           uuid.New(),
		EndpointName: "embed-batch",
		SourceBucket: testDataBucket,
		SourceKey:    "images/input.csv",
		ChunkSize:    10,
		Status:       database.StatusQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&run).Error)

	require.NoError(t, queue.PublishScoringTask(ctx, messaging.ScoringTaskPayload{RunId: run.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var loaded database.ScoringRun
	require.NoError(t, db.First(&loaded, "id = ?", run.Id).Error)
	assert.Equal(t, database.StatusCompleted, loaded.Status)
	assert.Equal(t, "score-job-1", loaded.PlatformJobId)
	assert.Equal(t, 3, loaded.ChunkCount, "25 rows at chunk size 10 give 3 chunks")
	assert.Equal(t, 25, loaded.RowCount)
	assert.Equal(t, MergedPredictionsKey(run.Id.String()), loaded.ResultKey)

	data, err := store.GetObject(ctx, testBatchBucket, loaded.ResultKey)
	require.NoError(t, err)

	preds, err := batch.ReadPredictions(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, preds, 25)

	// Merged output is ordered by chunk, then by row within the chunk.
	assert.Equal(t, batch.ChunkFileName(0), preds[0].SourceFile)
	assert.Equal(t, 0, preds[0].RowNumber)
	assert.Equal(t, batch.ChunkFileName(1), preds[10].SourceFile)
	assert.Equal(t, batch.ChunkFileName(2), preds[20].SourceFile)
	assert.Equal(t, 4, preds[24].RowNumber, "last chunk holds rows 0 through 4")
	assert.Equal(t, []float64{0.25, 0.5}, preds[0].Embedding)
}

func TestScoringTaskRemoteFailure(t *testing.T) {
	fake := &fakePlatform{scoringStatus: platform.JobStatusFailed}
	proc, db, store, queue := newProcessor(t, fake)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, testDataBucket, "images/input.csv",
		strings.NewReader("image,text\nimg0,caption\n")))

	run := database.ScoringRun{
		Id:           uuid.New(),
		EndpointName: "embed-batch",
		SourceBucket: testDataBucket,
		SourceKey:    "images/input.csv",
		ChunkSize:    10,
		Status:       database.StatusQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&run).Error)

	require.NoError(t, queue.PublishScoringTask(ctx, messaging.ScoringTaskPayload{RunId: run.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var loaded database.ScoringRun
	require.NoError(t, db.Preload("Errors").First(&loaded, "id = ?", run.Id).Error)
	assert.Equal(t, database.StatusFailed, loaded.Status)
	require.NotEmpty(t, loaded.Errors)
	assert.Contains(t, loaded.Errors[0].Error, "deployment crashed")
}

func TestUnknownTaskIsRejected(t *testing.T) {
	fake := &fakePlatform{}
	proc, _, _, _ := newProcessor(t, fake)

	task := &recordingTask{queue: "mystery_queue"}
	proc.ProcessTask(task)
	assert.True(t, task.rejected)
}

type recordingTask struct {
	queue    string
	rejected bool
}

func (t *recordingTask) Type() string    { return t.queue }
func (t *recordingTask) Payload() []byte { return []byte("{}") }
func (t *recordingTask) Ack() error      { return nil }
func (t *recordingTask) Nack() error     { return nil }
func (t *recordingTask) Reject() error   { t.rejected = true; return nil }
