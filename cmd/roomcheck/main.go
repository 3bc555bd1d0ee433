package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-rooms/internal/roomclient"
	"github.com/park285/cheese-rooms/pkg/roomdto"
)

func main() {
	baseURL := strings.TrimRight(os.Getenv("ROOMS_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	wsURL := os.Getenv("ROOMS_WS_URL")
	if wsURL == "" {
		wsURL = "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	}
	room := os.Getenv("ROOMS_CHECK_ROOM")
	if room == "" {
		room = "roomcheck-" + uuid.NewString()[:8]
	}

	client := roomclient.NewClient(baseURL, roomclient.WithTimeout(8*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := client.CreateGame(ctx, room)
	if err != nil {
		log.Fatalf("createGame error: %v", err)
	}
	log.Printf("createGame ok: room=%s fen=%q turn=%s", st.RoomID, st.Position.FEN, st.Position.Turn)

	watcher := roomclient.NewWebSocket(wsURL, 3, 0)
	mover := roomclient.NewWebSocket(wsURL, 3, 0)
	watcher.OnStateChange(func(state roomclient.State) {
		log.Printf("watcher WS state: %s", state)
	})

	received := make(chan roomdto.Event, 16)
	watcher.OnEvent(func(ev roomdto.Event) {
		if ev.Type == roomdto.EventMove || ev.Type == roomdto.EventJoined {
			received <- ev
		}
	})

	for name, ws := range map[string]*roomclient.WebSocket{"watcher": watcher, "mover": mover} {
		if err := ws.Connect(ctx); err != nil {
			log.Fatalf("%s connect error: %v", name, err)
		}
		defer ws.Close(context.Background())
		if err := ws.Join(ctx, room); err != nil {
			log.Fatalf("%s join error: %v", name, err)
		}
	}

	// Wait for the watcher to be subscribed before moving.
	waitEvent(received, roomdto.EventJoined, 5*time.Second)

	moved, err := client.Move(ctx, roomdto.MoveRequest{RoomID: room, From: "e2", To: "e4", ConnID: mover.ConnID()})
	if err != nil {
		log.Fatalf("move error: %v", err)
	}
	log.Printf("move ok: fen=%q turn=%s", moved.Position.FEN, moved.Position.Turn)

	if ev, ok := waitEvent(received, roomdto.EventMove, 5*time.Second); ok {
		fmt.Printf("watcher got move: room=%s san=%s fen=%q\n", ev.Room, ev.Move.SAN, ev.Position.FEN)
	} else {
		log.Printf("watcher did not receive the move broadcast")
	}

	// Observe a few heartbeats.
	time.Sleep(5 * time.Second)
	r := watcher.Health()
	if r.Measured {
		fmt.Printf("heartbeat: rtt=%s tier=%s bars=%d\n", r.RTT, r.Tier, r.Tier.Bars())
	} else {
		fmt.Println("heartbeat: no measurement yet")
	}
}

func waitEvent(ch <-chan roomdto.Event, typ string, d time.Duration) (roomdto.Event, bool) {
	timeout := time.After(d)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev, true
			}
		case <-timeout:
			return roomdto.Event{}, false
		}
	}
}
