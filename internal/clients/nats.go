package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
)

const (
	natsProbeName  = "nats"
	subjectPrefix  = "vlamy."
	eventStreamAge = 7 * 24 * time.Hour
)

// jsContext is the subset of nats.JetStreamContext used here. Tests inject a
// fake without a live server.
type jsContext interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSClient publishes bootstrap lifecycle events to a JetStream stream.
type NATSClient struct {
	url    string
	stream string
	cb     *gobreaker.CircuitBreaker
	newJS  func(url string) (jsContext, func(), error)
}

// NewNATSClient constructs a NATSClient. Connections are opened per call.
func NewNATSClient(cfg config.NATSConfig, cb *gobreaker.CircuitBreaker) *NATSClient {
	stream := cfg.Stream
	if stream == "" {
		stream = "VLAMY_EVENTS"
	}
	return &NATSClient{
		url:    cfg.URL,
		stream: stream,
		cb:     cb,
		newJS:  realNewJS,
	}
}

// ProvisionStreams creates the event stream or updates it in place.
func (c *NATSClient) ProvisionStreams(ctx context.Context) error {
	_, err := c.cb.Execute(func() (any, error) {
		js, cleanup, err := c.newJS(c.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		return nil, provisionStream(js, c.streamConfig())
	})
	return breakerErr(err)
}

// PublishEvent provisions the stream and publishes ev as JSON on
// vlamy.bootstrap.<status>. It satisfies orchestrator.EventPublisher.
func (c *NATSClient) PublishEvent(ctx context.Context, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	subject := subjectPrefix + ev.Type

	_, err = c.cb.Execute(func() (any, error) {
		js, cleanup, err := c.newJS(c.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		if err := provisionStream(js, c.streamConfig()); err != nil {
			return nil, err
		}
		if _, err := js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return nil, fmt.Errorf("publishing %s: %w", subject, err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Probe verifies NATS connectivity. A stream that has not been provisioned
// yet still counts as healthy.
func (c *NATSClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		js, cleanup, err := c.newJS(c.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		_, infoErr := js.StreamInfo(c.stream, nats.Context(ctx))
		if infoErr != nil && !errors.Is(infoErr, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream info: %w", infoErr)
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return orchestrator.ProbeResult{Name: natsProbeName, LatencyMs: latency, Error: errMsg}
	}
	return orchestrator.ProbeResult{Name: natsProbeName, OK: true, LatencyMs: latency}
}

func (c *NATSClient) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      c.stream,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: nats.LimitsPolicy,
		MaxAge:    eventStreamAge,
	}
}

// provisionStream creates the stream if StreamInfo reports it missing and
// updates it otherwise.
func provisionStream(js jsContext, cfg *nats.StreamConfig) error {
	_, err := js.StreamInfo(cfg.Name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, addErr := js.AddStream(cfg); addErr != nil {
			return fmt.Errorf("creating stream %s: %w", cfg.Name, addErr)
		}
	case err != nil:
		return fmt.Errorf("querying stream %s: %w", cfg.Name, err)
	default:
		if _, updErr := js.UpdateStream(cfg); updErr != nil {
			return fmt.Errorf("updating stream %s: %w", cfg.Name, updErr)
		}
	}
	return nil
}

func breakerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("circuit open: %w", err)
	}
	return err
}

// realNewJS dials NATS and returns a JetStream context plus a cleanup func
// that closes the connection.
func realNewJS(url string) (jsContext, func(), error) {
	nc, err := nats.Connect(url, nats.Name("vlamy"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, func() {}, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, func() {}, fmt.Errorf("nats jetstream context: %w", err)
	}

	return js, func() { nc.Close() }, nil
}
