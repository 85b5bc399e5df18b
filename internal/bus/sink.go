package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/basket/media-orchestrator/internal/retry"
)

// Sink is the downstream broker QueueBus delivers messages to. The default
// production Sink is HTTPSink; tests use an in-memory Sink.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// envelope is the wire body sent to the sink: payload plus metadata,
// matching the shape the gateway's inbound webhook route expects to receive
// back from an external dispatcher.
type envelope struct {
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
}

// HTTPSink delivers messages as signed POST requests to baseURL+"/"+topic,
// the production QueueBus backend (spec §4.7, §6's webhook route list).
type HTTPSink struct {
	Client     *http.Client
	BaseURL    string
	SigningKey string
}

// NewHTTPSink builds an HTTPSink with a bounded per-request timeout client.
func NewHTTPSink(baseURL, signingKey string) *HTTPSink {
	return &HTTPSink{
		Client:     &http.Client{Timeout: 10 * time.Second},
		BaseURL:    baseURL,
		SigningKey: signingKey,
	}
}

// Deliver POSTs the message. A 2xx response is success; 4xx responses are
// wrapped with retry.Permanent so QueueBus does not retry them; any other
// error (5xx, transport failure) is retryable.
func (s *HTTPSink) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(envelope{Payload: msg.Payload, Metadata: msg.Metadata})
	if err != nil {
		return retry.Permanent(fmt.Errorf("bus: marshal envelope: %w", err))
	}

	url := s.BaseURL + "/" + msg.Topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("bus: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SigningHeader, Sign(s.SigningKey, body))

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("bus: deliver %s: %w", msg.Topic, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("bus: %s rejected with status %d", msg.Topic, resp.StatusCode))
	default:
		return fmt.Errorf("bus: %s failed with status %d", msg.Topic, resp.StatusCode)
	}
}

// MemorySink is an in-process Sink used by tests and by deployments with no
// external broker configured. It records every delivered message.
type MemorySink struct {
	mu        sync.Mutex
	delivered []Message
	failNext  int // number of subsequent Deliver calls to fail
	failErr   error
}

// NewMemorySink builds an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Deliver(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		if s.failErr != nil {
			return s.failErr
		}
		return fmt.Errorf("bus: memory sink simulated failure")
	}
	s.delivered = append(s.delivered, msg)
	return nil
}

// Delivered returns a snapshot of every message accepted so far.
func (s *MemorySink) Delivered() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// FailNext makes the next n Deliver calls return err (or a generic error if
// err is nil).
func (s *MemorySink) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}
