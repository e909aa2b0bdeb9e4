package httpapi

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestAudioFramesAreForwarded(t *testing.T) {
	audio := &recordingAudio{}
	conns := NewConnRegistry()
	srv := httptest.NewServer(NewRouter(RouterConfig{}, testLogger(), Dependencies{
		Dialogue: &staticDialogue{},
		Audio:    audio,
		Conns:    conns,
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/audio"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"ignored"}`))
	_ = conn.WriteMessage(websocket.BinaryMessage, []byte{5, 6})

	deadline := time.Now().Add(2 * time.Second)
	for audio.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("forwarded frames = %d, want 2", audio.count())
		}
		time.Sleep(5 * time.Millisecond)
	}

	audio.mu.Lock()
	if len(audio.frames[0]) != 4 || audio.frames[1][0] != 5 {
		t.Errorf("frames = %v", audio.frames)
	}
	audio.mu.Unlock()

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for conns.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("audio connection was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAudioForwardErrorClosesConnection(t *testing.T) {
	audio := &recordingAudio{err: errors.New("stt down")}
	conns := NewConnRegistry()
	srv := httptest.NewServer(NewRouter(RouterConfig{}, testLogger(), Dependencies{
		Dialogue: &staticDialogue{},
		Audio:    audio,
		Conns:    conns,
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/audio"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should close after a forward error")
	}
}
