package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sync/atomic"
	"testing"
	"time"

	"mlbridge/internal/batch"
	"mlbridge/internal/database"
	"mlbridge/internal/messaging"
	"mlbridge/internal/platform"
	"mlbridge/internal/storage"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

const (
	testWorkspace = "test-ws"
	batchBucket   = "batch"
	dataBucket    = "datasets"

	minioUsername = "admin"
	minioPassword = "password"
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) (*messaging.RabbitMQPublisher, *messaging.RabbitMQReceiver) {
	rabbitmqContainer, err := rabbitmq.Run(ctx, "rabbitmq:3.12-management-alpine")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := rabbitmqContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	t.Cleanup(publisher.Close)

	receiver, err := messaging.NewRabbitMQReceiver(connStr)
	require.NoError(t, err)
	t.Cleanup(receiver.Close)

	return publisher, receiver
}

func createDB(t *testing.T, ctx context.Context) *gorm.DB {
	uri := setupPostgresContainer(t, ctx)
	db, err := database.NewDatabase(uri)
	require.NoError(t, err)

	return db
}

func createS3Store(t *testing.T, ctx context.Context) *storage.S3Store {
	endpoint := setupMinioContainer(t, ctx)

	store, err := storage.NewS3Store(storage.S3Config{
		EndpointURL:     endpoint,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
		Region:          "us-east-1",
	})
	require.NoError(t, err)

	return store
}

// fakePlatform emulates the workspace control plane for workflow tests.
// Invoking the batch endpoint writes one prediction file per uploaded input
// chunk into the datastore, like the platform's remote compute would.
type fakePlatform struct {
	store storage.Store

	finetunePolls  atomic.Int32
	finetuneStatus []string
	scoringStatus  string
}

func (f *fakePlatform) start(t *testing.T) *platform.Client {
	t.Helper()

	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)

	return platform.NewClient(platform.Config{
		BaseURL:        server.URL,
		Workspace:      testWorkspace,
		APIToken:       "test-token",
		RequestTimeout: 30 * time.Second,
	})
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
		writeJSON(w, http.StatusOK, platform.Job{ID: "ft-job-1", Status: f.finetuneStatus[i]})
	})

	mux.HandleFunc("GET "+prefix+"/jobs/score-job-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, platform.Job{ID: "score-job-1", Status: f.scoringStatus})
	})

	mux.HandleFunc("POST "+prefix+"/models", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, platform.ModelVersion{Name: body["name"], Version: "1", JobID: body["job_id"]})
	})

	mux.HandleFunc("GET "+prefix+"/endpoints/embed-batch", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, platform.BatchEndpoint{Name: "embed-batch", ScoringURI: "https://score.example.com/embed-batch"})
	})

	mux.HandleFunc("POST "+prefix+"/endpoints/embed-batch/invoke", func(w http.ResponseWriter, r *http.Request) {
		var req platform.InvokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NoError(t, f.score(r.Context(), req))

		writeJSON(w, http.StatusOK, platform.Job{ID: "score-job-1", Status: platform.JobStatusQueued})
	})

	return mux
}

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

func httpRequest(api http.Handler, method, endpoint string, payload any, dest any) error {
	var body io.Reader
	if payload != nil {
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBody)
	}

	req := httptest.NewRequest(method, endpoint, body)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		return fmt.Errorf("expected status code 200, got %d: %v", rr.Code, rr.Body.String())
	}

	if dest != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
