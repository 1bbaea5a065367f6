package ingest

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/pkg/natsutil"
)

const (
	// RawSubject carries batches of raw permit rows to index.
	RawSubject = "permits.ingest.raw"
	// DLQSubject receives batches that failed MaxRetries times.
	DLQSubject = "permits.ingest.dlq"
	// IndexedSubject receives the stats of every indexed batch.
	IndexedSubject = "permits.ingest.indexed"
	// RetryHeader counts delivery attempts of a republished batch.
	RetryHeader = "X-Retry-Count"
	// MaxRetries before a batch goes to the DLQ.
	MaxRetries = 3
	// ConsumerQueue is the queue group shared by consumer replicas.
	ConsumerQueue = "permit-indexers"
)

// RawBatch is the message published on RawSubject. Index overrides the
// consumer's default index when set.
type RawBatch struct {
	Index   string             `json:"index,omitempty"`
	Records []domain.RawRecord `json:"records"`
}

// DeadLetter is published to DLQSubject.
type DeadLetter struct {
	Batch   RawBatch `json:"batch"`
	Error   string   `json:"error"`
	Retries int      `json:"retries"`
}

// IndexedEvent is published to IndexedSubject after a successful run.
type IndexedEvent struct {
	Index string        `json:"index"`
	Stats PipelineStats `json:"stats"`
}

// Normalizer converts raw rows, skipping the ones that fail.
type Normalizer interface {
	NormalizeAll(raws []domain.RawRecord) []domain.NormalizedRecord
}

// ConsumerOpts configures StartConsumer.
type ConsumerOpts struct {
	Normalizer Normalizer
	Indexer    *Indexer
	Index      string
	BatchSize  int
	// Queue is the queue group; empty uses ConsumerQueue.
	Queue  string
	Logger *slog.Logger
}

// StartConsumer subscribes to RawSubject and runs every batch through
// normalization and the indexing pipeline. A failed batch is republished with
// an incremented RetryHeader until MaxRetries, then sent to DLQSubject.
func StartConsumer(nc *nats.Conn, opts ConsumerOpts) (*nats.Subscription, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	queue := opts.Queue
	if queue == "" {
		queue = ConsumerQueue
	}

	handle := func(ctx context.Context, msg RawBatch, header nats.Header) {
		retries := 0
		if header != nil {
			retries, _ = strconv.Atoi(header.Get(RetryHeader))
		}
		index := msg.Index
		if index == "" {
			index = opts.Index
		}

		recs := opts.Normalizer.NormalizeAll(msg.Records)
		if len(recs) == 0 {
			log.Warn("ingest: batch has no usable records", "raw", len(msg.Records))
			return
		}

		stats, err := opts.Indexer.IndexRecords(ctx, recs, index, opts.BatchSize)
		if err != nil {
			retries++
			log.Error("ingest: pipeline failed", "err", err, "records", len(recs), "retry", retries)
			if retries >= MaxRetries {
				dl := DeadLetter{Batch: msg, Error: err.Error(), Retries: retries}
				if err := natsutil.Publish(ctx, nc, DLQSubject, dl); err != nil {
					log.Error("ingest: DLQ publish failed", "err", err)
				}
				return
			}
			retry := nats.Header{}
			retry.Set(RetryHeader, strconv.Itoa(retries))
			if err := natsutil.PublishWithHeader(ctx, nc, RawSubject, msg, retry); err != nil {
				log.Error("ingest: retry publish failed", "err", err)
			}
			return
		}

		log.Info("ingest: batch indexed", "index", index, "indexed", stats.IndexingStats.Indexed, "failed", stats.IndexingStats.Failed)
		if err := natsutil.Publish(ctx, nc, IndexedSubject, IndexedEvent{Index: index, Stats: stats}); err != nil {
			log.Warn("ingest: stats publish failed", "err", err)
		}
	}

	return natsutil.QueueSubscribe(nc, RawSubject, queue, natsutil.Handler[RawBatch](handle), log)
}

// PublishBatch sends raw rows to RawSubject for a running consumer.
func PublishBatch(ctx context.Context, nc *nats.Conn, b RawBatch) error {
	return natsutil.Publish(ctx, nc, RawSubject, b)
}
