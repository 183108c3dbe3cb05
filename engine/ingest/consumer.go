package ingest

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/harvest"
	"github.com/charsearch/charsearch/pkg/natsutil"
)

const (
	// DLQSubject receives stored-image events that could not be ingested.
	DLQSubject = "corpus.image.dlq"
	// DefaultMaxRetries before an event is dead-lettered.
	DefaultMaxRetries = 3
)

// DeadLetter is published to DLQSubject.
type DeadLetter struct {
	Image   harvest.StoredImage `json:"image"`
	Error   string              `json:"error"`
	Retries int                 `json:"retries"`
}

// Consumer ingests images announced on harvest.StoredSubject one at a time.
type Consumer struct {
	pipeline   *Pipeline
	pub        natsutil.Publisher
	maxRetries int
	log        *zap.Logger
}

// NewConsumer creates a consumer. Retries and dead letters go through pub.
func NewConsumer(p *Pipeline, pub natsutil.Publisher, maxRetries int) *Consumer {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Consumer{pipeline: p, pub: pub, maxRetries: maxRetries, log: p.log.Named("consumer")}
}

// StartConsumer subscribes a Consumer on nc.
func StartConsumer(nc *nats.Conn, p *Pipeline, maxRetries int) (*nats.Subscription, error) {
	c := NewConsumer(p, nc, maxRetries)
	return natsutil.Subscribe(nc, harvest.StoredSubject, c.log, c.Handle)
}

// Handle ingests one stored image. A failed attempt is republished with an
// incremented retry header; permanent failures and events that ran out of
// retries are dead-lettered.
func (c *Consumer) Handle(ctx context.Context, img harvest.StoredImage, msg *nats.Msg) {
	err := c.pipeline.IngestOne(ctx, img.Path)
	if err == nil {
		c.log.Info("image ingested", zap.String("id", img.ID))
		return
	}

	retries := natsutil.Retries(msg) + 1
	c.log.Error("image ingest failed",
		zap.String("id", img.ID),
		zap.Int("retry", retries),
		zap.Error(err))

	if permanent(err) || retries >= c.maxRetries {
		dl := DeadLetter{Image: img, Error: err.Error(), Retries: retries}
		if pubErr := natsutil.Publish(ctx, c.pub, DLQSubject, dl); pubErr != nil {
			c.log.Error("dead letter publish failed", zap.Error(pubErr))
		}
		return
	}
	if pubErr := natsutil.Redeliver(c.pub, msg, retries); pubErr != nil {
		c.log.Error("retry publish failed", zap.Error(pubErr))
	}
}
