// Package mq connects the processing engine to message brokers: signal
// records are consumed from Kafka and alerts are published over MQTT.
package mq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"rfwatch/metrics"
	"rfwatch/models"
	"rfwatch/utils"
)

const readRetryDelay = 500 * time.Millisecond

var ErrEmptyMessage = errors.New("empty message")

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})
}

// PublishJSON writes payload under key.
func PublishJSON(ctx context.Context, writer *kafka.Writer, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  time.Now().UTC(),
	})
}

// DecodeSignals accepts either one signal object or an array of them.
func DecodeSignals(value []byte) ([]models.SignalRecord, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return nil, ErrEmptyMessage
	}
	if value[0] == '[' {
		var batch []models.SignalRecord
		if err := json.Unmarshal(value, &batch); err != nil {
			return nil, fmt.Errorf("decode signal batch: %w", err)
		}
		return batch, nil
	}
	var one models.SignalRecord
	if err := json.Unmarshal(value, &one); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	return []models.SignalRecord{one}, nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Ingester accepts decoded signals; engine.Runner satisfies it.
type Ingester interface {
	Ingest(signals ...models.SignalRecord) int
}

// SignalReader feeds signal records from a Kafka topic into an Ingester.
type SignalReader struct {
	reader  messageReader
	sink    Ingester
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewSignalReader(brokers []string, topic, groupID string, sink Ingester, m *metrics.Metrics) *SignalReader {
	return newSignalReader(NewReader(brokers, topic, groupID), sink, m)
}

func newSignalReader(reader messageReader, sink Ingester, m *metrics.Metrics) *SignalReader {
	return &SignalReader{reader: reader, sink: sink, metrics: m, logger: utils.GetLogger()}
}

// Run consumes until ctx is cancelled. Undecodable messages are logged and
// skipped; read errors are retried after a short pause.
func (r *SignalReader) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				r.logger.InfoContext(ctx, "kafka signal reader shutting down")
				return nil
			}
			r.metrics.RecordKafkaMessage(err)
			r.logger.WarnContext(ctx, "kafka read error", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readRetryDelay):
			}
			continue
		}

		signals, err := DecodeSignals(msg.Value)
		r.metrics.RecordKafkaMessage(err)
		if err != nil {
			r.logger.WarnContext(ctx, "kafka decode signal error",
				slog.Int64("offset", msg.Offset),
				slog.Int("partition", msg.Partition),
				slog.Any("error", err))
			continue
		}
		accepted := r.sink.Ingest(signals...)
		r.logger.DebugContext(ctx, "kafka signals ingested",
			slog.Int("received", len(signals)),
			slog.Int("accepted", accepted))
	}
}

func (r *SignalReader) Close() error {
	return r.reader.Close()
}
