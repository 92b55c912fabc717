package sink

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/internal/metrics"
)

// KafkaName is the name of the Kafka sink.
const KafkaName = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = time.Second
	defaultMaxAttempts  = 3
)

// messageWriter is the part of kafka.Writer the reporter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter sends records to a Kafka topic, keyed by flow.
type KafkaReporter struct {
	cfg    config.KafkaSinkConfig
	writer messageWriter
	encode func(*core.TxRecord) ([]byte, error)

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// NewKafkaReporter validates cfg and creates the writer. No connection is
// made until the first write.
func NewKafkaReporter(cfg config.KafkaSinkConfig) (*KafkaReporter, error) {
	r := &KafkaReporter{}
	if err := r.configure(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *KafkaReporter) Name() string { return KafkaName }

// Init replaces the configuration with config.
func (r *KafkaReporter) Init(cfg map[string]any) error {
	var kc config.KafkaSinkConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &kc,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: kafka sink: %v", core.ErrConfigInvalid, err)
	}
	return r.configure(kc)
}

func (r *KafkaReporter) configure(cfg config.KafkaSinkConfig) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("%w: kafka sink: brokers is required", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return fmt.Errorf("%w: kafka sink: topic is required", core.ErrConfigInvalid)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	var codec compress.Compression
	switch cfg.Compression {
	case "none", "":
	case "gzip":
		codec = compress.Gzip
	case "snappy":
		codec = compress.Snappy
	case "lz4":
		codec = compress.Lz4
	case "zstd":
		codec = compress.Zstd
	default:
		return fmt.Errorf("%w: kafka sink: invalid compression type: %s", core.ErrConfigInvalid, cfg.Compression)
	}

	switch cfg.Encoding {
	case "json", "":
		cfg.Encoding = "json"
		r.encode = encodeJSON
	case "protobuf":
		r.encode = encodeProto
	default:
		return fmt.Errorf("%w: kafka sink: invalid encoding: %s", core.ErrConfigInvalid, cfg.Encoding)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  defaultMaxAttempts,
		Compression:  codec,
		Async:        cfg.Async,
		ErrorLogger:  kafka.LoggerFunc(log.GetLogger().WithField("sink", KafkaName).Errorf),
	}
	if cfg.Async {
		// failures of async writes are only seen here
		w.Completion = func(msgs []kafka.Message, err error) {
			if err != nil {
				r.errorCount.Add(uint64(len(msgs)))
				metrics.SinkErrorsTotal.WithLabelValues(KafkaName).Add(float64(len(msgs)))
			}
		}
	}
	r.cfg = cfg
	r.writer = w
	return nil
}

func (r *KafkaReporter) Start(_ context.Context) error {
	log.GetLogger().WithFields(log.Fields{
		"brokers":     r.cfg.Brokers,
		"topic":       r.cfg.Topic,
		"compression": r.cfg.Compression,
		"encoding":    r.cfg.Encoding,
	}).Info("kafka sink started")
	return nil
}

// Stop closes the writer, which flushes pending messages.
func (r *KafkaReporter) Stop(_ context.Context) error {
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			log.GetLogger().WithError(err).Error("error closing kafka writer")
			return err
		}
	}
	log.GetLogger().Infof("kafka sink stopped, %d records, %d errors", r.reportedCount.Load(), r.errorCount.Load())
	return nil
}

// Report sends one record.
func (r *KafkaReporter) Report(ctx context.Context, rec *core.TxRecord) error {
	return r.ReportBatch(ctx, []*core.TxRecord{rec})
}

// ReportBatch sends records in one write.
func (r *KafkaReporter) ReportBatch(ctx context.Context, recs []*core.TxRecord) error {
	msgs := make([]kafka.Message, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		msg, err := r.message(rec)
		if err != nil {
			r.errorCount.Add(1)
			return fmt.Errorf("encode record: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		r.errorCount.Add(uint64(len(msgs)))
		return fmt.Errorf("kafka write failed: %w", err)
	}
	r.reportedCount.Add(uint64(len(msgs)))
	return nil
}

func (r *KafkaReporter) message(rec *core.TxRecord) (kafka.Message, error) {
	value, err := r.encode(rec)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(FlowKey(rec)),
		Value: value,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "app_proto", Value: []byte(rec.AppProto)},
			{Key: "encoding", Value: []byte(r.cfg.Encoding)},
		},
	}, nil
}

// Flush is a no-op: the writer flushes on batch size and timeout, and
// synchronous writes return once delivered.
func (r *KafkaReporter) Flush(_ context.Context) error {
	return nil
}

func encodeJSON(rec *core.TxRecord) ([]byte, error) {
	s, err := Struct(rec)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

func encodeProto(rec *core.TxRecord) ([]byte, error) {
	s, err := Struct(rec)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}
