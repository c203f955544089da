package runs

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/r3labs/sse/v2"

	"flow-studio/backend/internal/events"
)

// Publisher fans run events out to stream subscribers.
type Publisher interface {
	Open(runID string)
	Publish(env events.Envelope) error
}

// Broadcaster is a Publisher backed by an r3labs SSE server with one stream
// per run. Streams replay their history to late subscribers.
type Broadcaster struct {
	srv *sse.Server
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster() *Broadcaster {
	srv := sse.New()
	srv.AutoReplay = true
	srv.AutoStream = false
	return &Broadcaster{srv: srv}
}

// Open creates the stream for runID if it does not exist yet.
func (b *Broadcaster) Open(runID string) {
	if !b.srv.StreamExists(runID) {
		b.srv.CreateStream(runID)
	}
}

// Exists reports whether runID has a stream.
func (b *Broadcaster) Exists(runID string) bool {
	return b.srv.StreamExists(runID)
}

// Publish sends env on its run's stream, named by its kind.
func (b *Broadcaster) Publish(env events.Envelope) error {
	if !b.srv.StreamExists(env.RunID) {
		return fmt.Errorf("no stream for run %s", env.RunID)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	b.srv.Publish(env.RunID, &sse.Event{Event: []byte(env.Kind), Data: data})
	return nil
}

// ServeHTTP serves the stream named by the "stream" query parameter.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.srv.ServeHTTP(w, r)
}

// Close ends every stream.
func (b *Broadcaster) Close() {
	b.srv.Close()
}
