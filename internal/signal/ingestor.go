package signal

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Ingestor is the single entry point for inbound signals. It normalizes
// the text, assigns the stable signal id, persists the raw record, and
// buffers the signal for the pipeline workers.
type Ingestor struct {
	store     Store
	normalize func(string) string
	ch        chan RawSignal
}

// Store persists raw signals before they enter the pipeline. Satisfied
// by the db queries layer.
type Store interface {
	SaveRaw(ctx context.Context, sig RawSignal, signalID string) error
}

// NewIngestor builds an ingestor. The normalizer must be the same one
// the parser uses so Submit returns the id the pipeline will track.
func NewIngestor(store Store, normalize func(string) string, buffer int) *Ingestor {
	if buffer <= 0 {
		buffer = 100
	}
	if normalize == nil {
		normalize = func(s string) string {
			return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
		}
	}
	return &Ingestor{
		store:     store,
		normalize: normalize,
		ch:        make(chan RawSignal, buffer),
	}
}

// Submit accepts one raw signal and returns its id. The raw text is
// persisted before the signal is queued so nothing is lost on crash.
// Blocks when the queue is full until space frees or the context ends.
func (i *Ingestor) Submit(ctx context.Context, raw RawSignal) (string, error) {
	raw.Text = strings.TrimSpace(raw.Text)
	if raw.Text == "" {
		return "", fmt.Errorf("empty signal text")
	}
	if raw.ProviderID == "" {
		return "", fmt.Errorf("missing provider id")
	}
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now().UTC()
	}

	id := ID(i.normalize(raw.Text), raw.ProviderID, raw.ReceivedAt)
	if i.store != nil {
		if err := i.store.SaveRaw(ctx, raw, id); err != nil {
			return "", fmt.Errorf("persist raw signal: %w", err)
		}
	}

	select {
	case i.ch <- raw:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Chan exposes the buffered signal stream to the pipeline workers.
func (i *Ingestor) Chan() <-chan RawSignal {
	return i.ch
}

// Close stops intake. Workers drain whatever is already buffered.
func (i *Ingestor) Close() {
	close(i.ch)
}

// Drain consumes signals with a handler until the context is canceled.
func (i *Ingestor) Drain(ctx context.Context, handler func(RawSignal)) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-i.ch:
			if !ok {
				return
			}
			handler(raw)
		}
	}
}

// Backlog reports how many signals are waiting for a worker.
func (i *Ingestor) Backlog() int {
	n := len(i.ch)
	if n == cap(i.ch) {
		log.Printf("⚠️ ingest queue full (%d buffered)", n)
	}
	return n
}
