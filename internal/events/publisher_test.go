package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPublishAndRecent(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pub := NewPublisher(client, "tasks:events", "tasks:notify")

	events := []Event{
		{Type: TypeClaimed, TaskID: "t1", OwnerID: "acme", Venue: "cloud", WorkerID: "w1", At: time.Now().UTC()},
		{Type: TypeReclaimed, TaskID: "t1", OwnerID: "acme", Venue: "cloud", WorkerID: "w1", Detail: "heartbeat window missed", At: time.Now().UTC()},
	}
	for _, e := range events {
		if err := pub.Publish(ctx, e); err != nil {
			t.Fatalf("publish %s: %v", e.Type, err)
		}
	}

	got, err := pub.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	// Newest first.
	if got[0].Type != TypeReclaimed || got[1].Type != TypeClaimed {
		t.Fatalf("unexpected order: %s, %s", got[0].Type, got[1].Type)
	}
	if got[1].TaskID != "t1" || got[1].WorkerID != "w1" {
		t.Fatalf("event fields lost in round trip: %+v", got[1])
	}
}
