package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/parley/internal/dialogue"
	"github.com/lukasbauer/parley/internal/generation"
)

const (
	feedSendBuffer   = 256
	feedWriteTimeout = 5 * time.Second
	feedPingInterval = 30 * time.Second
)

// Feed message types.
const (
	FeedLine    = "line"    // a dialogue line was appended or its generated text changed
	FeedInterim = "interim" // interim transcript preview, never part of the dialogue
	FeedWords   = "words"   // whole words rebuilt from the generation stream
	FeedCycle   = "cycle"   // a generation cycle ended
)

// FeedMessage is one JSON frame on the live feed. Line updates are keyed by
// line.seq, so a client may see the same line more than once.
type FeedMessage struct {
	Type     string         `json:"type"`
	Line     *dialogue.Line `json:"line,omitempty"`
	Language string         `json:"language,omitempty"`
	Text     string         `json:"text,omitempty"`
	Words    []string       `json:"words,omitempty"`
	Epoch    uint64         `json:"epoch,omitempty"`
	Outcome  string         `json:"outcome,omitempty"`
}

// FeedMetrics counts connected feed clients.
type FeedMetrics interface {
	FeedClientConnected()
	FeedClientDisconnected()
}

type feedClient struct {
	id   string
	send chan []byte
}

// Feed fans dialogue updates out to websocket clients. Slow clients lose messages
// instead of blocking the publisher.
type Feed struct {
	logger  *log.Logger
	metrics FeedMetrics

	mu      sync.Mutex
	clients map[string]*feedClient
}

// NewFeed creates an empty feed. metrics may be nil.
func NewFeed(logger *log.Logger, metrics FeedMetrics) *Feed {
	return &Feed{
		logger:  logger,
		metrics: metrics,
		clients: make(map[string]*feedClient),
	}
}

// Publish sends msg to every connected client.
func (f *Feed) Publish(msg FeedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Printf("feed: marshal %s message: %v", msg.Type, err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.logger.Printf("feed: client %s is slow, dropping %s message", c.id, msg.Type)
		}
	}
}

// PublishLine publishes an appended or updated dialogue line.
func (f *Feed) PublishLine(l dialogue.Line) {
	f.Publish(FeedMessage{Type: FeedLine, Line: &l})
}

// PublishInterim publishes an interim transcript preview.
func (f *Feed) PublishInterim(language, text string) {
	f.Publish(FeedMessage{Type: FeedInterim, Language: language, Text: text})
}

// PublishWords publishes words rebuilt from a generation stream.
func (f *Feed) PublishWords(words []string) {
	f.Publish(FeedMessage{Type: FeedWords, Words: words})
}

// PublishCycle publishes the end of a generation cycle.
func (f *Feed) PublishCycle(res generation.CycleResult) {
	f.Publish(FeedMessage{Type: FeedCycle, Epoch: res.Epoch, Outcome: res.Outcome.String()})
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Feed) subscribe() *feedClient {
	c := &feedClient{id: uuid.NewString(), send: make(chan []byte, feedSendBuffer)}
	f.mu.Lock()
	f.clients[c.id] = c
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.FeedClientConnected()
	}
	return c
}

func (f *Feed) unsubscribe(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c.id)
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.FeedClientDisconnected()
	}
}

// handleFeedWS streams the current dialogue followed by live updates.
func (r *Router) handleFeedWS(w http.ResponseWriter, req *http.Request) {
	if !r.conns.Add() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	defer r.conns.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("feed: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client := r.feed.subscribe()
	defer r.feed.unsubscribe(client)
	r.logger.Printf("feed: client %s connected", client.id)

	for _, l := range r.dialogue.Lines() {
		data, _ := json.Marshal(FeedMessage{Type: FeedLine, Line: &l})
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			r.logger.Printf("feed: client %s snapshot write failed: %v", client.id, err)
			return
		}
	}

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case data := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Printf("feed: client %s write failed: %v", client.id, err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			r.logger.Printf("feed: client %s disconnected", client.id)
			return
		case <-r.conns.Draining():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(feedWriteTimeout))
			return
		case <-req.Context().Done():
			return
		}
	}
}
