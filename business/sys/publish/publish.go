// Package publish mirrors collected records to a Kafka topic so downstream
// analytics can consume them without touching the data directory.
package publish

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// Set of record kinds carried in message headers.
const (
	KindBlock      = "block"
	KindBundles    = "bundles"
	KindSimulation = "simulation"
)

// Producer manages the Kafka connection for publishing records. Records
// are keyed by block number so one block's records land in one partition.
type Producer struct {
	topic string
	sp    sarama.SyncProducer
}

// New constructs a Producer against the specified brokers.
func New(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("topic is empty")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_1_0_0

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	return &Producer{
		topic: topic,
		sp:    sp,
	}, nil
}

// Close releases the Kafka connection.
func (p *Producer) Close() error {
	return p.sp.Close()
}

// Publish sends one record and waits for the broker ack. The send itself
// cannot be canceled mid-flight; the context is checked before sending.
func (p *Producer) Publish(ctx context.Context, kind string, blockNumber uint64, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	msg := sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(blockNumber, 10)),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(kind)},
		},
	}

	_, _, err := p.sp.SendMessage(&msg)
	return err
}
