package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"OpenLend-Chain/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力完成参数抽取。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Extract 调用 OpenAI 从对话消息中抽取结构化借贷参数。
// 模型输出若不是合法 JSON 或缺少必填字段，直接返回错误，由上层转化为用户可读的失败信息。
func (c *Client) Extract(ctx context.Context, req llm.Request) (*llm.Extraction, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}
	content = stripCodeFence(content)

	var structured struct {
		Thought       string `json:"thought"`
		Asset         string `json:"asset"`
		Amount        string `json:"amount"`
		RateMode      string `json:"rate_mode"`
		EModeCategory string `json:"emode_category"`
		OnBehalfOf    string `json:"on_behalf_of"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return nil, fmt.Errorf("模型输出不是合法 JSON: %w", err)
	}

	extraction := &llm.Extraction{
		Asset:         strings.ToUpper(strings.TrimSpace(structured.Asset)),
		Amount:        normalizeAmount(structured.Amount),
		RateMode:      strings.ToLower(strings.TrimSpace(structured.RateMode)),
		EModeCategory: strings.TrimSpace(structured.EModeCategory),
		OnBehalfOf:    strings.TrimSpace(structured.OnBehalfOf),
		Thought:       strings.TrimSpace(structured.Thought),
	}
	if err := validateExtraction(req.Intent, extraction); err != nil {
		return nil, err
	}
	return extraction, nil
}

// validateExtraction 按操作类别检查必填字段。
func validateExtraction(intent llm.Intent, ext *llm.Extraction) error {
	switch intent {
	case llm.IntentSupply, llm.IntentWithdraw:
		if ext.Asset == "" || ext.Amount == "" {
			return errors.New("模型输出缺少 asset 或 amount 字段")
		}
	case llm.IntentBorrow, llm.IntentRepay:
		if ext.Asset == "" || ext.Amount == "" {
			return errors.New("模型输出缺少 asset 或 amount 字段")
		}
		if ext.RateMode == "" {
			return errors.New("模型输出缺少 rate_mode 字段")
		}
	case llm.IntentEMode:
		if ext.EModeCategory == "" {
			return errors.New("模型输出缺少 emode_category 字段")
		}
	}
	return nil
}

// normalizeAmount 保留 "-1" 哨兵值，把各种"全部"的写法统一为 "-1"。
func normalizeAmount(amount string) string {
	amount = strings.TrimSpace(amount)
	switch strings.ToLower(amount) {
	case "max", "all", "-1":
		return "-1"
	}
	return amount
}

// stripCodeFence 去掉模型偶尔包裹在 JSON 外面的 Markdown 代码块标记。
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.1,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are the parameter extraction engine of an Aave V3 lending agent. " +
	"Always respond with a compact JSON object: " +
	"{\"thought\": string, \"asset\": string, \"amount\": string, \"rate_mode\": string, \"emode_category\": string, \"on_behalf_of\": string}. " +
	"Use the uppercase token symbol for \"asset\". " +
	"Use a plain decimal string for \"amount\"; when the user wants to act on the full balance, answer \"-1\". " +
	"\"rate_mode\" is \"stable\" or \"variable\" and only applies to borrow and repay. " +
	"Leave fields that do not apply empty. Never invent values the user did not state."

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## 当前消息\n")
	builder.WriteString(fmt.Sprintf("操作类别: %s\n", req.Intent))
	builder.WriteString(fmt.Sprintf("原文: %s\n", strings.TrimSpace(req.Message)))

	if len(req.Assets) > 0 {
		builder.WriteString(fmt.Sprintf("\n可用资产: %s\n", strings.Join(req.Assets, ", ")))
	}

	if len(req.History) > 0 {
		builder.WriteString("\n## 最近操作\n")
		for idx, entry := range req.History {
			builder.WriteString(fmt.Sprintf("[%d] %s %s %s | tx:%s\n",
				idx+1,
				entry.Operation,
				truncate(entry.Amount),
				entry.Asset,
				truncate(entry.TxHash),
			))
			if idx >= 4 {
				break
			}
		}
	}

	builder.WriteString("\n请从上述消息中抽取结构化参数并按要求输出 JSON。")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}
