//go:build integration

package sink_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/sink"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startBroker spins up a real Kafka broker for the duration of the test,
// grounded on the teacher's internal/integration test setup for the
// equivalent Reader/Writer round-trip against a live broker rather than a
// fake.
func startBroker(ctx context.Context, t *testing.T) []string {
	t.Helper()
	container, err := kafka.Run(ctx, "confluentinc/confluent-local:7.6.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}

// TestKafkaSink_PublishUpsertAndRemove_RoundTrip verifies that KafkaSink
// writes decodable, correctly keyed and headered messages to a real
// broker for both a change kind the Alert Store emits.
func TestKafkaSink_PublishUpsertAndRemove_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	brokers := startBroker(ctx, t)
	topic := fmt.Sprintf("alerts-changes-%d", time.Now().UnixNano())

	kafkaSink := sink.NewKafkaSink(brokers, topic, nil, discardLogger())

	a := &alert.Alert{
		ProductID:    "SV.CLE.0042",
		Phenomenon:   "SV",
		Significance: alert.SignificanceWarning,
		EventName:    "Severe Thunderstorm Warning",
	}
	kafkaSink.EnqueueUpsert(a)
	kafkaSink.EnqueueRemove(a.ProductID)
	require.NoError(t, kafkaSink.Close())

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	upsertMsg := readOne(ctx, t, consumer)
	require.Equal(t, "SV.CLE.0042", string(upsertMsg.Key))
	var upsertEnv struct {
		Kind      string       `json:"kind"`
		ProductID string       `json:"product_id"`
		Alert     *alert.Alert `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(upsertMsg.Value, &upsertEnv))
	require.Equal(t, "upsert", upsertEnv.Kind)
	require.Equal(t, "Severe Thunderstorm Warning", upsertEnv.Alert.EventName)

	removeMsg := readOne(ctx, t, consumer)
	require.Equal(t, "SV.CLE.0042", string(removeMsg.Key))
	var removeEnv struct {
		Kind      string `json:"kind"`
		ProductID string `json:"product_id"`
	}
	require.NoError(t, json.Unmarshal(removeMsg.Value, &removeEnv))
	require.Equal(t, "remove", removeEnv.Kind)
}

func readOne(ctx context.Context, t *testing.T, r *kafkago.Reader) kafkago.Message {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	msg, err := r.ReadMessage(readCtx)
	require.NoError(t, err)
	return msg
}
