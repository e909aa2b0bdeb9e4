package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// handleAudioWS accepts binary audio frames in the configured STT encoding and
// forwards each one to every transcript stream. Text frames are ignored.
func (r *Router) handleAudioWS(w http.ResponseWriter, req *http.Request) {
	if client := getAuthClient(req.Context()); client != nil && client.Role == RoleListener {
		http.Error(w, `{"error": "listeners cannot stream audio"}`, http.StatusForbidden)
		return
	}
	if !r.conns.Add() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	defer r.conns.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("audio: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	go func() {
		select {
		case <-r.conns.Draining():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-ctx.Done():
		}
	}()

	r.logger.Printf("audio: source connected from %s", req.RemoteAddr)

	var frames, total int
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				r.logger.Printf("audio: read failed: %v", err)
			}
			break
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		if err := r.audio.SendAudio(ctx, data); err != nil {
			r.logger.Printf("audio: forward failed: %v", err)
			captureError(req, err, "audio: forward to transcript streams failed")
			break
		}
		frames++
		total += len(data)
	}

	r.logger.Printf("audio: source disconnected after %d frames (%d bytes)", frames, total)
}
