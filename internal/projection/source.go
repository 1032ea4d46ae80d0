package projection

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cloudfabric/provision-core/internal/outbox"
)

// KafkaSource feeds bus envelopes into the engine. Offsets are committed
// after dispatch; a crash in between redelivers, which the engine's dedupe
// ledger absorbs.
type KafkaSource struct {
	reader *kafka.Reader
	engine *Engine
	log    *zap.SugaredLogger
}

func NewKafkaSource(reader *kafka.Reader, engine *Engine, log *zap.SugaredLogger) *KafkaSource {
	return &KafkaSource{reader: reader, engine: engine, log: log}
}

// Run consumes until the context is cancelled.
func (s *KafkaSource) Run(ctx context.Context) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var env outbox.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			// malformed message: log and advance, the outbox row still holds
			// the original for administrative replay
			s.log.Errorw("malformed envelope", "offset", msg.Offset, "err", err)
		} else if err := s.engine.Dispatch(ctx, env); err != nil {
			// no durable record of the failure exists; hold the offset so the
			// broker redelivers
			s.log.Errorw("dispatch unrecorded, holding offset", "offset", msg.Offset, "err", err)
			continue
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.log.Errorw("commit offset", "offset", msg.Offset, "err", err)
		}
	}
}
