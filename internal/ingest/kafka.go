package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"siphon-rainrate/internal/config"
)

// KafkaSource consumes loop packets from a topic as part of a consumer group.
type KafkaSource struct {
	reader *kafkago.Reader
	logger zerolog.Logger
}

// NewKafkaSource creates a consumer for the configured source topic.
func NewKafkaSource(cfg config.KafkaConfig, logger zerolog.Logger) *KafkaSource {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.SourceTopic,
		GroupID: cfg.GroupID,
	})
	return &KafkaSource{
		reader: r,
		logger: logger.With().Str("component", "kafka_source").Str("topic", cfg.SourceTopic).Logger(),
	}
}

// Run fetches messages in order and commits each after it was handled.
// Undecodable messages are committed and skipped.
func (s *KafkaSource) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}

		pkt, decodeErr := DecodePacket(msg.Value)
		if decodeErr != nil {
			s.logger.Warn().Err(decodeErr).Int64("offset", msg.Offset).Msg("dropping undecodable loop packet")
		} else if handleErr := handle(ctx, pkt); handleErr != nil {
			s.logger.Error().Err(handleErr).Int64("date_time", pkt.DateTime).Msg("loop packet handler failed")
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit kafka message: %w", err)
		}
	}
}

// Close leaves the consumer group.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// KafkaSink produces processed packets to the sink topic.
type KafkaSink struct {
	writer *kafkago.Writer
}

// NewKafkaSink creates a producer for the configured sink topic.
func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.SinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &KafkaSink{writer: w}
}

// Publish writes one packet keyed by its dateTime.
func (s *KafkaSink) Publish(ctx context.Context, pkt LoopPacket) error {
	msg, err := packetToMessage(pkt)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, msg)
}

// Close flushes pending writes.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func packetToMessage(pkt LoopPacket) (kafkago.Message, error) {
	data, err := pkt.Encode()
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize loop packet: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(strconv.FormatInt(pkt.DateTime, 10)),
		Value: data,
	}
	if pkt.RainRate != nil {
		msg.Headers = []kafkago.Header{
			{Key: "rain_rate", Value: []byte(RoundRate(*pkt.RainRate).String())},
		}
	}
	return msg, nil
}
