// Package export fans recorded audit rows out to Kafka for compliance
// consumers. Export never blocks the ledger: rows are queued and a worker
// produces them; when the queue is full the row is dropped and counted, since
// the database remains the system of record.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"enrollo/internal/audit"
)

// Producer is the subset of *kgo.Client the exporter uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

const defaultBuffer = 1024

type Exporter struct {
	producer Producer
	topic    string
	inbox    chan audit.Record
	logger   *slog.Logger
	metrics  *Metrics
}

type Option func(*Exporter)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Exporter) {
		e.metrics = m
	}
}

func WithBuffer(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.inbox = make(chan audit.Record, n)
		}
	}
}

func New(producer Producer, topic string, opts ...Option) (*Exporter, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("audit topic is required")
	}
	e := &Exporter{
		producer: producer,
		topic:    topic,
		inbox:    make(chan audit.Record, defaultBuffer),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Export queues rec without blocking.
func (e *Exporter) Export(ctx context.Context, rec audit.Record) {
	select {
	case e.inbox <- rec:
	default:
		e.metrics.IncDropped()
		e.logger.WarnContext(ctx, "audit export queue full, record dropped",
			"audit_id", rec.ID,
			"mandate_id", rec.MandateID,
		)
	}
}

// Run produces queued records until ctx is cancelled. Produce failures are
// logged and counted; the worker keeps going.
func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-e.inbox:
			if err := e.produce(ctx, rec); err != nil {
				e.metrics.IncFailed()
				e.logger.ErrorContext(ctx, "audit export failed",
					"audit_id", rec.ID,
					"error", err,
				)
				continue
			}
			e.metrics.IncExported()
		}
	}
}

// message is the wire shape published to the audit topic.
type message struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	MandateID   string     `json:"mandate_id"`
	JobID       string     `json:"job_id,omitempty"`
	ToolName    string     `json:"tool_name"`
	ArgsHash    string     `json:"args_hash"`
	ResultHash  string     `json:"result_hash"`
	Decision    string     `json:"decision"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toMessage(rec audit.Record) message {
	m := message{
		ID:          rec.ID.String(),
		Seq:         rec.Seq,
		MandateID:   rec.MandateID.String(),
		ToolName:    rec.ToolName,
		ArgsHash:    rec.ArgsHash,
		Decision:    string(rec.Decision),
		Reason:      rec.Reason,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
	if !rec.JobID.IsNil() {
		m.JobID = rec.JobID.String()
	}
	if rec.ResultHash != nil {
		m.ResultHash = *rec.ResultHash
	}
	return m
}

func (e *Exporter) produce(ctx context.Context, rec audit.Record) error {
	payload, err := json.Marshal(toMessage(rec))
	if err != nil {
		return fmt.Errorf("marshal audit message: %w", err)
	}
	// Keyed by mandate so one mandate's records stay ordered within a partition.
	r := &kgo.Record{
		Topic: e.topic,
		Key:   []byte(rec.MandateID.String()),
		Value: payload,
	}
	if err := e.producer.ProduceSync(ctx, r).FirstErr(); err != nil {
		return fmt.Errorf("produce audit record: %w", err)
	}
	return nil
}

// NewClient connects to brokers with the audit topic as the default.
func NewClient(brokers []string, topic string) (*kgo.Client, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return cl, nil
}

// EnsureTopic creates topic if it does not exist yet.
func EnsureTopic(ctx context.Context, cl *kgo.Client, topic string, partitions int32) error {
	adm := kadm.NewClient(cl)
	resp, err := adm.CreateTopics(ctx, partitions, -1, nil, topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create audit topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}
