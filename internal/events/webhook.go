package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Guard runs a call to an external collaborator, failing fast when the
// collaborator is known to be unhealthy. admission.Breaker implements it.
type Guard interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Webhook posts events as JSON to an HTTP endpoint from a background
// goroutine. Emit never blocks: events are dropped when the queue is full.
type Webhook struct {
	url     string
	client  *http.Client
	timeout time.Duration
	guard   Guard
	log     zerolog.Logger

	queue chan Event
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewWebhook returns a Webhook; call Start to begin delivery.
func NewWebhook(url string, timeout time.Duration, queueLen int, guard Guard, log zerolog.Logger) *Webhook {
	if queueLen <= 0 {
		queueLen = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		guard:   guard,
		log:     log.With().Str("component", "webhook").Logger(),
		queue:   make(chan Event, queueLen),
		stop:    make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (w *Webhook) Start() {
	w.wg.Add(1)
	go w.run()
}

// Emit implements Sink.
func (w *Webhook) Emit(e Event) {
	select {
	case <-w.stop:
	case w.queue <- e:
	default:
		w.log.Debug().Str("kind", string(e.Kind)).Msg("webhook queue full, dropping event")
	}
}

// Close stops delivery. Queued events not yet sent are discarded.
func (w *Webhook) Close() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Webhook) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case e := <-w.queue:
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			err := w.guard.Execute(ctx, func(ctx context.Context) error { return w.post(ctx, e) })
			cancel()
			if err != nil {
				w.log.Debug().Err(err).Str("kind", string(e.Kind)).Msg("webhook delivery failed")
			}
		}
	}
}

func (w *Webhook) post(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
