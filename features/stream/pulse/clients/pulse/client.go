// Package pulse provides a thin wrapper around Pulse streams scoped to what
// the execution stream sink needs. Callers build a Redis client, pass it to
// New, and receive a typed interface exposing only stream creation, append
// and consumption.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per execution
		// stream. Zero uses Pulse defaults.
		StreamMaxLen int
		// StreamOptions returns additional stream options applied when a
		// stream is opened, invoked once per Stream call with the stream
		// name. Returning nil means no additional options.
		StreamOptions func(name string) []streamopts.Stream
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs required by the execution
	// stream sink and subscriber.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases resources owned by the client. Callers typically own
		// the Redis connection, so implementations may no-op.
		Close(ctx context.Context) error
	}

	// Stream exposes the operations needed to publish execution events and
	// open consumer groups.
	Stream interface {
		// Add appends an event with the given name and payload, returning the
		// entry ID assigned by Redis (e.g. "1234567890-0").
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a Pulse sink (consumer group) on this stream for
		// reading events.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its entries from Redis.
		Destroy(ctx context.Context) error
	}

	// Sink mirrors the subset of Pulse streaming sinks the subscriber reads
	// from.
	Sink interface {
		// Subscribe returns a channel emitting events as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases its resources.
		Close(context.Context)
	}
)

// maxCachedHandles caps the per-name handle cache. An execution emits a
// burst of events into one stream and then goes quiet, so the cache only
// needs to cover the streams currently receiving traffic.
const maxCachedHandles = 128

type client struct {
	redis        *redis.Client
	maxLen       int
	streamOptsFn func(name string) []streamopts.Stream
	timeout      time.Duration

	mu      sync.Mutex
	handles map[string]*streamHandle
}

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:        opts.Redis,
		maxLen:       opts.StreamMaxLen,
		streamOptsFn: opts.StreamOptions,
		timeout:      opts.OperationTimeout,
		handles:      make(map[string]*streamHandle),
	}, nil
}

// Stream returns a handle to the named stream. Handles opened without
// per-call options are reused across calls: the sink publishes every
// lifecycle event of an execution to the same stream, so rebuilding the
// handle per event would be wasted work.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	cacheable := len(opts) == 0
	if cacheable {
		c.mu.Lock()
		h, ok := c.handles[name]
		c.mu.Unlock()
		if ok {
			return h, nil
		}
	}

	var all []streamopts.Stream
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	if c.streamOptsFn != nil {
		all = append(all, c.streamOptsFn(name)...)
	}
	all = append(all, opts...)

	str, err := streaming.NewStream(name, c.redis, all...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %q: %w", name, err)
	}
	h := &streamHandle{
		name:    name,
		stream:  str,
		timeout: c.timeout,
		forget:  func() { c.forget(name) },
	}
	if cacheable {
		c.remember(name, h)
	}
	return h, nil
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (c *client) Close(ctx context.Context) error {
	return nil
}

func (c *client) remember(name string, h *streamHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) >= maxCachedHandles {
		// Wholesale eviction keeps this branch trivial; handles are cheap to
		// rebuild on the next Stream call.
		clear(c.handles)
	}
	c.handles[name] = h
}

func (c *client) forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, name)
}

type streamHandle struct {
	name    string
	stream  *streaming.Stream
	timeout time.Duration
	forget  func()
}

func (h *streamHandle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add to %q: %w", h.name, err)
	}
	return id, nil
}

func (h *streamHandle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return consumerSink{Sink: sink}, nil
}

func (h *streamHandle) Destroy(ctx context.Context) error {
	h.forget()
	return h.stream.Destroy(ctx)
}

// consumerSink narrows *streaming.Sink to the Sink interface; Pulse reports
// a close error which the interface deliberately drops.
type consumerSink struct {
	*streaming.Sink
}

func (s consumerSink) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
