package querylog

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/constructiq/permit-search/pkg/natsutil"
)

// LoggedSubject carries every logged search.
const LoggedSubject = "permits.search.logged"

// NATSPublisher publishes entries as JSON on a NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher publishes to subject, or LoggedSubject when empty.
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = LoggedSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

// PublishEntry implements Publisher.
func (p *NATSPublisher) PublishEntry(ctx context.Context, e Entry) error {
	return natsutil.Publish(ctx, p.nc, p.subject, e)
}
