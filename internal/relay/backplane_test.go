package relay

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisRelay(t *testing.T, addr string) *Relay {
	t.Helper()
	bp := NewRedisBackplane(redis.NewClient(&redis.Options{Addr: addr}))
	r, err := New(context.Background(), bp, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisBackplaneSharesRoomsAcrossReplicas(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	replicaA := newRedisRelay(t, mr.Addr())
	replicaB := newRedisRelay(t, mr.Addr())

	onA := newFakeSub("on-a")
	onB := newFakeSub("on-b")
	origin := newFakeSub("origin")
	_ = replicaA.Join(onA, "room1")
	_ = replicaB.Join(onB, "room1")
	_ = replicaB.Join(origin, "room1")

	if err := replicaB.Publish(context.Background(), "room1", testEvent{Type: "move", Room: "room1"}, "origin"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFrame(t, onA)
	waitFrame(t, onB)

	select {
	case f := <-origin.got:
		t.Fatalf("origin received its own event: %s", f)
	case <-time.After(100 * time.Millisecond):
	}
	if onA.count() != 1 || onB.count() != 1 {
		t.Fatalf("expected exactly one frame per replica subscriber, got a=%d b=%d", onA.count(), onB.count())
	}
}

func TestRedisBackplaneFromURL(t *testing.T) {
	if _, err := NewRedisBackplaneFromURL(""); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := NewRedisBackplaneFromURL("not-a-url://"); err == nil {
		t.Fatalf("expected error for bad url")
	}
}
