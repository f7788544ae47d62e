package validationd

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to known consensus-driver origins in production
		return true
	},
}

const pingInterval = 30 * time.Second

// handleStreamCurrentValidations upgrades the connection and streams every
// current-validations snapshot published to currentValidationsChannel, so
// a consensus-adjacent process can watch convergence without polling
// /current-validations. Purely a delivery mechanism: every message is the
// exact JSON handleGetCurrentValidations would also return.
func (a *App) handleStreamCurrentValidations(w http.ResponseWriter, r *http.Request) {
	if a.Redis == nil {
		http.Error(w, "real-time snapshots unavailable (redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Error("failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan []byte, 64)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer a.recoverInto(cancel, "redis subscriber")
		a.forwardSnapshots(ctx, send)
	}()
	go func() {
		defer wg.Done()
		defer a.recoverInto(cancel, "message writer")
		a.writeSnapshots(ctx, conn, send)
	}()

	// Block until the client disconnects; we don't accept client frames.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			cancel()
			break
		}
	}

	close(send)
	wg.Wait()
}

func (a *App) recoverInto(cancel context.CancelFunc, stage string) {
	if rec := recover(); rec != nil {
		a.Logger.Error("panic in websocket goroutine",
			zap.String("stage", stage),
			zap.Any("panic", rec),
			zap.String("stack", string(debug.Stack())))
		cancel()
	}
}

func (a *App) forwardSnapshots(ctx context.Context, send chan<- []byte) {
	sub := a.Redis.Subscribe(ctx, currentValidationsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case send <- []byte(msg.Payload):
			default:
				// Slow consumer: drop rather than block the subscriber.
			}
		}
	}
}

func (a *App) writeSnapshots(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
