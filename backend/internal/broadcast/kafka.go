package broadcast

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/repo"
)

// KafkaBroadcaster 给下游（通知、分析）发计数事件，消息 key 为房间号，保证同一内容有序
type KafkaBroadcaster struct {
	producer sarama.SyncProducer
	topic    string
}

var _ repo.Broadcaster = (*KafkaBroadcaster)(nil)

func NewKafkaBroadcaster(producer sarama.SyncProducer, topic string) *KafkaBroadcaster {
	return &KafkaBroadcaster{producer: producer, topic: topic}
}

// NewSyncProducer SyncProducer 必须开启 Return.Successes
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}

func (b *KafkaBroadcaster) Publish(ctx context.Context, evt entity.Event) error {
	if b.producer == nil || b.topic == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(evt.Ref().Room()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(evt.EventID)},
			{Key: []byte("field"), Value: []byte(evt.Field)},
		},
	}
	_, _, err = b.producer.SendMessage(msg)
	return err
}
