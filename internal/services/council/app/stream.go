package app

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/datacendia/council/internal/council/dispatch"
	"github.com/datacendia/council/internal/council/session"
	"golang.org/x/net/websocket"
)

// streamFrameBuffer bounds how far a slow client may lag behind the apply
// loop before older frames are dropped in favor of newer snapshots.
const streamFrameBuffer = 64

// streamFrame is one state-change push to a WebSocket observer. Every
// frame carries the full snapshot, so a dropped intermediate frame loses
// nothing: the next frame supersedes it and the revision exposes the gap.
type streamFrame struct {
	Revision uint64          `json:"revision"`
	Session  session.Session `json:"session"`
}

func streamHandler(dispatcher *dispatch.Dispatcher) http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleStreamConn(conn, dispatcher)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := dispatcher.GetSession(r.PathValue("id")); !ok {
			writeJSONError(w, http.StatusNotFound, "deliberation not found")
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
}

func handleStreamConn(conn *websocket.Conn, dispatcher *dispatch.Dispatcher) {
	defer func() {
		_ = conn.Close()
	}()

	request := conn.Request()
	if request == nil {
		return
	}
	sessionID := request.PathValue("id")

	snapshot, ok := dispatcher.GetSession(sessionID)
	if !ok {
		return
	}

	frames := make(chan streamFrame, streamFrameBuffer)
	cancel := dispatcher.Subscribe(sessionID, func(next session.Session) {
		pushFrame(frames, streamFrame{Revision: next.Revision, Session: next})
	})
	defer cancel()

	// Detect the client hanging up; deliberation streams are push-only.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(streamFrame{Revision: snapshot.Revision, Session: snapshot}); err != nil {
		return
	}
	if snapshot.Completed() {
		return
	}

	for {
		select {
		case frame := <-frames:
			if err := encoder.Encode(frame); err != nil {
				log.Printf("council app: stream %s: write frame: %v", sessionID, err)
				return
			}
			if frame.Session.Completed() {
				return
			}
		case <-clientGone:
			return
		}
	}
}

// pushFrame never blocks the apply loop: when the client lags, the oldest
// buffered frame is traded for the newer snapshot.
func pushFrame(frames chan streamFrame, frame streamFrame) {
	for {
		select {
		case frames <- frame:
			return
		default:
		}
		select {
		case <-frames:
		default:
		}
	}
}
