package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chain-monitor/internal/mq"
)

// Deliverer 把一条通知投递给下游
// 成功/失败必须可区分; 投递语义 at-least-once, 载荷里带幂等键由消费方去重
type Deliverer interface {
	Deliver(ctx context.Context, task *Task) error
}

// MQDeliverer 通过消息队列 (Kafka / Redis Streams) 投递
type MQDeliverer struct {
	producer mq.Producer
	topic    string
}

func NewMQDeliverer(producer mq.Producer, topic string) *MQDeliverer {
	return &MQDeliverer{producer: producer, topic: topic}
}

func (d *MQDeliverer) Deliver(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task.Event)
	if err != nil {
		return err
	}
	// 地址作为分区键, 同一地址的事件有序
	return d.producer.Publish(ctx, d.topic, task.Event.Address, payload)
}

// WebhookDeliverer 通过 HTTP POST 投递
type WebhookDeliverer struct {
	url    string
	client *http.Client
}

func NewWebhookDeliverer(url string) *WebhookDeliverer {
	return &WebhookDeliverer{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task.Event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回 %d", resp.StatusCode)
	}
	return nil
}
