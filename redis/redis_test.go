package redis

import (
	"context"
	"testing"
	"time"

	"github.com/m-lab/adaptive-proxy/telemetry"
)

// Compile time check that the client can serve as the telemetry store.
var _ telemetry.Store = &Client{}

func clientSetup(t *testing.T) *Client {
	client := NewClient("localhost:6379")
	// Try to ping Redis to see if it's available
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		t.Skip("Redis not available, skipping tests. Start Redis with: docker run -d -p 6379:6379 redis:latest")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func Test_SetAndGetTerminationFlag(t *testing.T) {
	redisClient := clientSetup(t)
	ctx := context.Background()
	id := "test-uuid-001"

	got, err := redisClient.Terminated(ctx, "test-uuid-missing")
	if err != nil || got {
		t.Fatalf("missing flag: got %v, %v; want false, nil", got, err)
	}
	for _, flag := range []bool{false, true} {
		err := redisClient.SetTerminationFlag(ctx, id, flag)
		if err != nil {
			t.Fatalf("Failed to set termination flag: %v", err)
		}
		f, err := redisClient.Terminated(ctx, id)
		if err != nil {
			t.Fatalf("Failed to get termination flag: %v", err)
		}
		if f != flag {
			t.Fatalf("Termination flag set incorrectly: %v instead of %v", f, flag)
		}
	}

	// Cleanup
	_ = redisClient.SetTerminationFlag(ctx, id, false)
}

func Test_PublishSnapshot(t *testing.T) {
	redisClient := clientSetup(t)
	ctx := context.Background()
	want := telemetry.Snapshot{ID: "test-uuid-002", C2SBytes: 10, Algorithm: "MOCK-CUBIC"}
	if err := redisClient.Publish(ctx, want.ID, want); err != nil {
		t.Fatalf("Failed to publish snapshot: %v", err)
	}
	got, err := redisClient.Snapshot(ctx, want.ID)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if *got != want {
		t.Errorf("Snapshot() = %+v, want %+v", *got, want)
	}
}
