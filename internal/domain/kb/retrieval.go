package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	applog "vectorkb/internal/platform/log"
)

// 上下文片段分隔符与截断标记。部署内保持一致即可，不属于 provider 契约。
const (
	blockSeparator  = "\n\n---\n\n"
	truncationMark  = "\n\n[... truncated ...]"
	unknownFilename = "unknown"
)

// RetrievalPipeline 把自由文本 query 变成受限、可溯源的上下文
type RetrievalPipeline struct {
	client SearchAPI
	config *Config
}

// NewRetrievalPipeline 创建检索管道
func NewRetrievalPipeline(client SearchAPI, config *Config) *RetrievalPipeline {
	if config == nil {
		config = DefaultConfig()
	}
	return &RetrievalPipeline{
		client: client,
		config: config,
	}
}

// Search 执行语义检索并归一化命中。
// 空 query 直接返回零命中（不视为错误，也不请求 provider）。
// 无法提取文本的命中被静默丢弃，仅计入 Skipped。
func (p *RetrievalPipeline) Search(ctx context.Context, storeID, query string, maxResults int) (*HitSet, error) {
	if strings.TrimSpace(query) == "" {
		return &HitSet{}, nil
	}
	if maxResults <= 0 {
		maxResults = p.config.MaxResults
	}

	raw, err := p.client.Search(ctx, storeID, query, maxResults)
	if err != nil {
		return nil, err
	}

	set := &HitSet{Hits: make([]SearchHit, 0, len(raw))}
	for _, hit := range raw {
		text := extractHitText(hit.Content)
		if text == "" {
			set.Skipped++
			continue
		}
		filename := hit.Filename
		if filename == "" {
			filename = unknownFilename
		}
		set.Hits = append(set.Hits, SearchHit{
			FileID:   hit.FileID,
			Filename: filename,
			Score:    hit.Score,
			Text:     text,
		})
	}

	applog.Info("[KB/Search] Search done",
		"store_id", storeID,
		"hits", len(set.Hits),
		"skipped", set.Skipped,
	)
	return set, nil
}

// SearchAndExtract Search + ExtractContext 的组合便捷调用
func (p *RetrievalPipeline) SearchAndExtract(ctx context.Context, storeID, query string, maxResults, maxChars int) (*RetrievedContext, error) {
	set, err := p.Search(ctx, storeID, query, maxResults)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = p.config.MaxContextChars
	}
	return ExtractContext(set.Hits, maxChars, true), nil
}

// ExtractContext 把命中序列组装为编号、带来源、受字符预算约束的上下文。
// 相同输入产出相同结果。截断发生在拼接后的整体串上，只切尾部。
func ExtractContext(hits []SearchHit, maxChars int, includeSource bool) *RetrievedContext {
	rc := &RetrievedContext{}

	var blocks []string
	for _, hit := range hits {
		if hit.Text == "" {
			continue
		}
		rank := len(rc.Blocks) + 1

		var header string
		if includeSource {
			header = fmt.Sprintf("[KB#%d - %s (score: %.2f)]", rank, hit.Filename, scoreOf(hit))
		} else {
			header = fmt.Sprintf("[KB#%d]", rank)
		}
		blocks = append(blocks, header+"\n"+hit.Text)

		rc.Blocks = append(rc.Blocks, ContextBlock{
			Rank:   rank,
			Source: hit.Filename,
			Text:   hit.Text,
		})
		rc.Sources = appendUniqueSource(rc.Sources, hit.Filename)
	}

	rc.Text = strings.Join(blocks, blockSeparator)
	if maxChars > 0 && len(rc.Text) > maxChars {
		rc.Text = truncateOnRune(rc.Text, maxChars) + truncationMark
		rc.Truncated = true
	}
	return rc
}

// truncateOnRune 按字节预算截断，但不切断 UTF-8 序列。
// 落在多字节字符中间时回退到该字符的起始边界。
func truncateOnRune(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	i := max
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

func scoreOf(hit SearchHit) float64 {
	if hit.Score == nil {
		return 0
	}
	return *hit.Score
}

func appendUniqueSource(sources []string, name string) []string {
	if name == "" {
		name = unknownFilename
	}
	for _, s := range sources {
		if s == name {
			return sources
		}
	}
	return append(sources, name)
}

// ── 命中文本形态归一化 ────────────────────────────────────────
//
// provider 返回的 content 分片不是单一形态，按序尝试：
//   A. {"text": "..."}                         直接字符串字段
//   B. {"type":"text","text":{"value":"..."}}  嵌套对象的字符串值
//   C. {"type":"text","value":"..."}           带类型标记的字符串
// 每个分片以首个匹配成功的形态为准。

type shapeMatcher func(json.RawMessage) (string, bool)

var contentShapes = []shapeMatcher{
	matchPlainTextField,
	matchNestedTextValue,
	matchTypedValueField,
}

// extractHitText 提取并拼接一个命中内所有可识别的文本分片
func extractHitText(parts []json.RawMessage) string {
	var texts []string
	for _, part := range parts {
		for _, match := range contentShapes {
			if text, ok := match(part); ok {
				if t := strings.TrimSpace(text); t != "" {
					texts = append(texts, t)
				}
				break
			}
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

func matchPlainTextField(raw json.RawMessage) (string, bool) {
	var v struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.Text == nil {
		return "", false
	}
	return *v.Text, true
}

func matchNestedTextValue(raw json.RawMessage) (string, bool) {
	var v struct {
		Text struct {
			Value *string `json:"value"`
		} `json:"text"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.Text.Value == nil {
		return "", false
	}
	return *v.Text.Value, true
}

func matchTypedValueField(raw json.RawMessage) (string, bool) {
	var v struct {
		Type  string  `json:"type"`
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.Type != "text" || v.Value == nil {
		return "", false
	}
	return *v.Value, true
}
