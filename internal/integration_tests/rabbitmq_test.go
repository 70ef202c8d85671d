package integrationtests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"mlbridge/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitMQ(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	publisher, receiver := setupRabbitMQContainer(t, ctx)

	t.Run("Publish and Receive FinetuneTask", func(t *testing.T) {
		payload := messaging.FinetuneTaskPayload{RunId: uuid.New()}
		err := publisher.PublishFinetuneTask(ctx, payload)
		require.NoError(t, err)

		select {
		case task := <-receiver.Tasks():
			assert.Equal(t, messaging.FinetuneQueue, task.Type())

			var receivedPayload messaging.FinetuneTaskPayload
			err := json.Unmarshal(task.Payload(), &receivedPayload)
			require.NoError(t, err)
			assert.Equal(t, payload, receivedPayload)

			err = task.Ack()
			require.NoError(t, err)
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})

	t.Run("Publish and Receive ScoringTask", func(t *testing.T) {
		payload := messaging.ScoringTaskPayload{RunId: uuid.New()}
		err := publisher.PublishScoringTask(ctx, payload)
		require.NoError(t, err)

		select {
		case task := <-receiver.Tasks():
			assert.Equal(t, messaging.ScoringQueue, task.Type())

			var receivedPayload messaging.ScoringTaskPayload
			err := json.Unmarshal(task.Payload(), &receivedPayload)
			require.NoError(t, err)
			assert.Equal(t, payload, receivedPayload)

			err = task.Ack()
			require.NoError(t, err)
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})

	t.Run("Nacked task is not redelivered", func(t *testing.T) {
		payload := messaging.ScoringTaskPayload{RunId: uuid.New()}
		require.NoError(t, publisher.PublishScoringTask(ctx, payload))

		select {
		case task := <-receiver.Tasks():
			require.NoError(t, task.Nack())
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}

		select {
		case task := <-receiver.Tasks():
			t.Fatalf("unexpected redelivery of task %s", task.Type())
		case <-time.After(time.Second):
		}
	})
}
