package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/kioskvote/config"
	"github.com/lvdashuaibi/kioskvote/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer 会话事件和锚定事件的生产者
type Producer struct {
	writer       *kafka.Writer
	sessionTopic string
	anchorTopic  string
	log          *zap.Logger
}

func NewProducer(cfg config.KafkaConfig, log *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 获取分区数量
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(cfg.AnchorTopic, cfg.SessionTopic)
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}
	counts := make(map[string]int)
	for _, p := range partitions {
		counts[p.Topic]++
	}
	log.Info("生产者检测到Kafka主题分区",
		zap.Int(cfg.AnchorTopic, counts[cfg.AnchorTopic]),
		zap.Int(cfg.SessionTopic, counts[cfg.SessionTopic]))

	// 使用Hash分区器，同一选民的事件进入同一分区
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}

	return &Producer{
		writer:       writer,
		sessionTopic: cfg.SessionTopic,
		anchorTopic:  cfg.AnchorTopic,
		log:          log,
	}, nil
}

func (p *Producer) send(ctx context.Context, topic, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送事件到 %s 失败: %w", topic, err)
	}
	return nil
}

// SendSessionEvent 发送会话审计事件，按voter_id路由
func (p *Producer) SendSessionEvent(ctx context.Context, e *model.SessionEvent) error {
	return p.send(ctx, p.sessionTopic, e.VoterID, e)
}

// SendAnchorEvent 发送锚定任务
func (p *Producer) SendAnchorEvent(ctx context.Context, e *model.AnchorEvent) error {
	return p.send(ctx, p.anchorTopic, e.VoterID, e)
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
