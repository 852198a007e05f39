package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookClient 封装对机器人 webhook 的 HTTP 调用。
type WebhookClient struct {
	url    string
	client *http.Client
}

// NewWebhookClient 创建 webhook 客户端。
func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{url: url, client: &http.Client{Timeout: timeout}}
}

func (c *WebhookClient) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码 webhook 请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook 返回状态 %s", resp.Status)
	}
	return nil
}

// DingTalkWebhook 通过钉钉群机器人 webhook 发送文本消息。
type DingTalkWebhook struct {
	*WebhookClient
}

// NewDingTalkWebhook 创建钉钉机器人发送器。
func NewDingTalkWebhook(url string, timeout time.Duration) *DingTalkWebhook {
	return &DingTalkWebhook{WebhookClient: NewWebhookClient(url, timeout)}
}

// Send 实现 DingTalkSender 接口。
func (c *DingTalkWebhook) Send(ctx context.Context, content string) error {
	return c.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackWebhook 通过 Slack incoming webhook 发送消息。
type SlackWebhook struct {
	*WebhookClient
}

// NewSlackWebhook 创建 Slack 发送器。
func NewSlackWebhook(url string, timeout time.Duration) *SlackWebhook {
	return &SlackWebhook{WebhookClient: NewWebhookClient(url, timeout)}
}

// Send 实现 SlackSender 接口。
func (c *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return c.post(ctx, payload)
}

var (
	_ DingTalkSender = (*DingTalkWebhook)(nil)
	_ SlackSender    = (*SlackWebhook)(nil)
)
