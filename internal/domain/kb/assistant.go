package kb

import (
	"context"
	"strings"
	"time"

	applog "vectorkb/internal/platform/log"
	"vectorkb/internal/provider"
)

// 固定系统指令：只允许基于检索上下文作答
const systemPrompt = `You are a helpful assistant that answers questions using ONLY the provided knowledge base context.
If the information is not in the context, say explicitly that you do not have that information in the knowledge base.
Be concise, accurate, and friendly.
Answer in the same language as the question.`

const contextPreamble = "KNOWLEDGE BASE CONTEXT:\n\n"

// NoContextAnswer 零上下文时的固定回答（不调用模型）
const NoContextAnswer = "I could not find relevant information in the knowledge base to answer your question."

// AnswerOptions 单次问答的可覆盖参数，零值字段回落到 Config 默认值。
// Temperature 用指针区分"未设置"与显式 0（确定性采样）。
// Provider 非空时按名称从注册表解析生成后端。
type AnswerOptions struct {
	Model           string
	Provider        string
	MaxResults      int
	MaxContextChars int
	Temperature     *float64
}

// Assistant 生成编排器：确定性组装 prompt，调用生成，打包结果与出处。
// 每次 Answer 调用彼此独立，无共享可变状态。
type Assistant struct {
	retrieval *RetrievalPipeline
	llm       provider.LLMProvider
	config    *Config
	cache     AnswerCacheStore // 可选
}

// NewAssistant 创建问答编排器
func NewAssistant(retrieval *RetrievalPipeline, llm provider.LLMProvider, config *Config) *Assistant {
	if config == nil {
		config = DefaultConfig()
	}
	return &Assistant{
		retrieval: retrieval,
		llm:       llm,
		config:    config,
	}
}

// SetCache 设置问答缓存
func (a *Assistant) SetCache(c AnswerCacheStore) {
	a.cache = c
}

// Answer 对一个问题执行完整 RAG 流程。
// storeID 为空返回 ErrNotConfigured。history 为可选的既往对话轮次，按原序注入。
// 检索不到任何上下文时短路返回固定回答，不调用生成——这是刻意的成本与延迟护栏。
func (a *Assistant) Answer(ctx context.Context, storeID, query string, history []provider.Message, opts *AnswerOptions) (*Answer, error) {
	if strings.TrimSpace(storeID) == "" {
		return nil, ErrNotConfigured
	}
	if opts == nil {
		opts = &AnswerOptions{}
	}
	model := opts.Model
	if model == "" {
		model = a.config.Model
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = a.config.MaxResults
	}
	maxChars := opts.MaxContextChars
	if maxChars <= 0 {
		maxChars = a.config.MaxContextChars
	}
	temperature := opts.Temperature
	if temperature == nil {
		t := a.config.Temperature
		temperature = &t
	}
	llm := a.llm
	if opts.Provider != "" {
		p, err := provider.GetProvider(opts.Provider)
		if err != nil {
			return nil, err
		}
		llm = p
	}

	// 历史对话和 provider 覆盖都影响生成结果，这两种问答不走缓存
	useCache := a.cache != nil && len(history) == 0 && opts.Provider == ""
	cacheKey := &AnswerCacheKey{
		StoreID:    storeID,
		Model:      model,
		Query:      query,
		MaxResults: maxResults,
	}
	if useCache {
		if cached, ok := a.cache.Get(ctx, cacheKey); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	start := time.Now()

	// 1. 检索上下文
	retrieved, err := a.retrieval.SearchAndExtract(ctx, storeID, query, maxResults, maxChars)
	if err != nil {
		return nil, err
	}

	// 2. 零上下文短路
	if retrieved.Text == "" {
		applog.Info("[KB/Answer] No context retrieved, skipping generation", "store_id", storeID)
		return &Answer{
			Query:          query,
			Answer:         NoContextAnswer,
			ContextExcerpt: "",
			Sources:        []string{},
			Model:          model,
		}, nil
	}

	// 3. 组装消息：系统指令 → 上下文 → 历史轮次 → 当前问题
	messages := make([]provider.Message, 0, len(history)+3)
	messages = append(messages,
		provider.Message{Role: "system", Content: systemPrompt},
		provider.Message{Role: "system", Content: contextPreamble + retrieved.Text},
	)
	messages = append(messages, history...)
	messages = append(messages, provider.Message{Role: "user", Content: query})

	// 4. 调用生成
	resp, err := llm.Complete(ctx, &provider.CompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		return nil, err
	}

	applog.Info("[KB/Answer] Answer generated",
		"store_id", storeID,
		"model", model,
		"sources", len(retrieved.Sources),
		"context_chars", len(retrieved.Text),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	// 5. 打包结果。出处来自检索命中，从不要求模型自报引用。
	ans := &Answer{
		Query:          query,
		Answer:         resp.Content,
		ContextExcerpt: excerpt(retrieved.Text, a.config.DisplayContextChars),
		Sources:        retrieved.Sources,
		Model:          model,
	}

	if useCache {
		a.cache.Set(ctx, cacheKey, ans)
	}
	return ans, nil
}

// excerpt 展示用上下文摘录，超预算时在字符边界截断并加省略标记
func excerpt(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return truncateOnRune(text, limit) + "..."
}
