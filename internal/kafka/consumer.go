package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lvdashuaibi/kioskvote/config"
	"github.com/lvdashuaibi/kioskvote/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const handlerRetries = 3

// AnchorHandler 处理一个锚定事件
type AnchorHandler func(ctx context.Context, event *model.AnchorEvent) error

// Consumer 锚定主题的消费者组，多个终端共同分摊分区
type Consumer struct {
	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *zap.Logger
}

func NewConsumer(cfg config.KafkaConfig, numWorkers int, log *zap.Logger) *Consumer {
	if numWorkers < 1 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	// 同一GroupID下的多个reader，由协调者分配分区
	readers := make([]*kafka.Reader, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.AnchorTopic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
			MaxWait:  time.Second,
		}))
	}
	log.Info("创建锚定消费者", zap.String("group", cfg.GroupID), zap.Int("workers", numWorkers))

	return &Consumer{
		readers: readers,
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
}

// StartConsuming 每个reader一个goroutine
func (c *Consumer) StartConsuming(handler AnchorHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}
}

// consumeMessages 处理成功或重试耗尽后才提交偏移量
func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler AnchorHandler) {
	log := c.log.With(zap.Int("worker", workerID))
	log.Info("消费者工作线程已启动")

	for {
		m, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				log.Info("消费者工作线程收到停止信号")
				return
			}
			log.Warn("读取消息失败", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var event model.AnchorEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Error("解析消息失败，跳过", zap.Int64("offset", m.Offset), zap.Error(err))
		} else {
			c.handle(log, handler, &event)
		}

		if err := reader.CommitMessages(c.ctx, m); err != nil && c.ctx.Err() == nil {
			log.Warn("提交偏移量失败", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(log *zap.Logger, handler AnchorHandler, event *model.AnchorEvent) {
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= handlerRetries; attempt++ {
		err := handler(c.ctx, event)
		if err == nil {
			return
		}
		log.Warn("处理锚定事件失败",
			zap.String("job", event.JobID), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	log.Error("锚定事件重试耗尽", zap.String("job", event.JobID))
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			c.log.Warn("关闭消费者失败", zap.Int("worker", i), zap.Error(err))
		}
	}
	c.log.Info("所有Kafka消费者工作线程已停止")
	return nil
}
