package kb_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"vectorkb/internal/domain/kb"
)

// fakeSearchAPI 返回预置命中的检索桩
type fakeSearchAPI struct {
	hits  []kb.RawHit
	err   error
	calls int
}

func (f *fakeSearchAPI) Search(ctx context.Context, storeID, query string, maxResults int) ([]kb.RawHit, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func rawParts(parts ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(parts))
	for i, p := range parts {
		out[i] = json.RawMessage(p)
	}
	return out
}

func score(v float64) *float64 { return &v }

// TestSearchNormalizesContentShapes 测试三种 content 分片形态都能归一化
func TestSearchNormalizesContentShapes(t *testing.T) {
	client := &fakeSearchAPI{hits: []kb.RawHit{
		{FileID: "f1", Filename: "a.md", Score: score(0.9), Content: rawParts(`{"text": "plain shape"}`)},
		{FileID: "f2", Filename: "b.md", Score: score(0.8), Content: rawParts(`{"type": "text", "text": {"value": "nested shape"}}`)},
		{FileID: "f3", Filename: "c.md", Score: score(0.7), Content: rawParts(`{"type": "text", "value": "typed shape"}`)},
	}}

	pipeline := kb.NewRetrievalPipeline(client, nil)
	set, err := pipeline.Search(context.Background(), "vs_1", "anything", 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if len(set.Hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(set.Hits))
	}
	want := []string{"plain shape", "nested shape", "typed shape"}
	for i, hit := range set.Hits {
		if hit.Text != want[i] {
			t.Errorf("hit %d: expected text %q, got %q", i, want[i], hit.Text)
		}
	}
	if set.Skipped != 0 {
		t.Errorf("expected 0 skipped, got %d", set.Skipped)
	}

	t.Logf("✅ All three content shapes normalized")
}

// TestSearchSkipsUnrecognizedHits 无法提取文本的命中只计入 Skipped
func TestSearchSkipsUnrecognizedHits(t *testing.T) {
	client := &fakeSearchAPI{hits: []kb.RawHit{
		{FileID: "f1", Filename: "a.md", Content: rawParts(`{"text": "keep me"}`)},
		{FileID: "f2", Filename: "b.md", Content: rawParts(`{"blob": "no known shape"}`)},
		{FileID: "f3", Filename: "c.md", Content: rawParts(`{"text": "   "}`)},
		{FileID: "f4", Filename: "d.md", Content: nil},
	}}

	pipeline := kb.NewRetrievalPipeline(client, nil)
	set, err := pipeline.Search(context.Background(), "vs_1", "q", 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if len(set.Hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(set.Hits))
	}
	if set.Hits[0].Text != "keep me" {
		t.Errorf("unexpected surviving hit: %q", set.Hits[0].Text)
	}
	if set.Skipped != 3 {
		t.Errorf("expected 3 skipped, got %d", set.Skipped)
	}
}

// TestSearchEmptyQueryShortCircuits 空 query 不请求 provider
func TestSearchEmptyQueryShortCircuits(t *testing.T) {
	client := &fakeSearchAPI{}
	pipeline := kb.NewRetrievalPipeline(client, nil)

	for _, query := range []string{"", "   ", "\n\t"} {
		set, err := pipeline.Search(context.Background(), "vs_1", query, 5)
		if err != nil {
			t.Fatalf("query %q: unexpected error: %v", query, err)
		}
		if len(set.Hits) != 0 || set.Skipped != 0 {
			t.Errorf("query %q: expected empty hit set", query)
		}
	}
	if client.calls != 0 {
		t.Errorf("expected no provider calls for empty queries, got %d", client.calls)
	}
}

// TestSearchMissingFilenamePlaceholder 缺失文件名回落为 unknown
func TestSearchMissingFilenamePlaceholder(t *testing.T) {
	client := &fakeSearchAPI{hits: []kb.RawHit{
		{FileID: "f1", Filename: "", Content: rawParts(`{"text": "anonymous"}`)},
	}}

	pipeline := kb.NewRetrievalPipeline(client, nil)
	set, err := pipeline.Search(context.Background(), "vs_1", "q", 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if set.Hits[0].Filename != "unknown" {
		t.Errorf("expected filename 'unknown', got %q", set.Hits[0].Filename)
	}
}

// TestSearchMultiPartHit 多分片命中拼接为单条文本
func TestSearchMultiPartHit(t *testing.T) {
	client := &fakeSearchAPI{hits: []kb.RawHit{
		{FileID: "f1", Filename: "a.md", Content: rawParts(
			`{"text": "part one"}`,
			`{"unknown": true}`,
			`{"type": "text", "value": "part two"}`,
		)},
	}}

	pipeline := kb.NewRetrievalPipeline(client, nil)
	set, err := pipeline.Search(context.Background(), "vs_1", "q", 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if set.Hits[0].Text != "part one\npart two" {
		t.Errorf("expected joined parts, got %q", set.Hits[0].Text)
	}
}

// TestExtractContextFormat 单命中的上下文格式
func TestExtractContextFormat(t *testing.T) {
	hits := []kb.SearchHit{
		{FileID: "f1", Filename: "a.md", Score: score(0.9), Text: "Ship in 3 days"},
	}

	rc := kb.ExtractContext(hits, 8000, true)

	want := "[KB#1 - a.md (score: 0.90)]\nShip in 3 days"
	if rc.Text != want {
		t.Errorf("expected:\n%q\ngot:\n%q", want, rc.Text)
	}
	if rc.Truncated {
		t.Error("expected no truncation")
	}
	if len(rc.Sources) != 1 || rc.Sources[0] != "a.md" {
		t.Errorf("unexpected sources: %v", rc.Sources)
	}

	t.Logf("✅ Context block: %q", rc.Text)
}

// TestExtractContextNumberingAndSeparator 多命中编号连续，片段以分隔线连接
func TestExtractContextNumberingAndSeparator(t *testing.T) {
	hits := []kb.SearchHit{
		{Filename: "a.md", Score: score(0.9), Text: "alpha"},
		{Filename: "b.md", Text: "beta"},
		{Filename: "a.md", Score: score(0.5), Text: "gamma"},
	}

	rc := kb.ExtractContext(hits, 8000, true)

	for i, prefix := range []string{"[KB#1 - a.md", "[KB#2 - b.md", "[KB#3 - a.md"} {
		if rc.Blocks[i].Rank != i+1 {
			t.Errorf("block %d: expected rank %d, got %d", i, i+1, rc.Blocks[i].Rank)
		}
		if !strings.Contains(rc.Text, prefix) {
			t.Errorf("expected text to contain %q", prefix)
		}
	}
	if !strings.Contains(rc.Text, "\n\n---\n\n") {
		t.Error("expected block separator between hits")
	}

	// nil score 打印为 0.00
	if !strings.Contains(rc.Text, "[KB#2 - b.md (score: 0.00)]") {
		t.Errorf("expected nil score rendered as 0.00, got:\n%s", rc.Text)
	}

	// 出处按首次出现顺序去重
	if len(rc.Sources) != 2 || rc.Sources[0] != "a.md" || rc.Sources[1] != "b.md" {
		t.Errorf("expected deduped sources [a.md b.md], got %v", rc.Sources)
	}
}

// TestExtractContextWithoutSource 不带出处的纯编号头
func TestExtractContextWithoutSource(t *testing.T) {
	hits := []kb.SearchHit{{Filename: "a.md", Text: "alpha"}}

	rc := kb.ExtractContext(hits, 8000, false)
	if rc.Text != "[KB#1]\nalpha" {
		t.Errorf("expected anonymous header, got %q", rc.Text)
	}
}

// TestExtractContextTruncation 超预算只截尾部并追加标记
func TestExtractContextTruncation(t *testing.T) {
	hits := []kb.SearchHit{
		{Filename: "a.md", Text: strings.Repeat("x", 500)},
	}

	maxChars := 100
	rc := kb.ExtractContext(hits, maxChars, true)

	if !rc.Truncated {
		t.Fatal("expected truncation flag")
	}
	if !strings.HasSuffix(rc.Text, "\n\n[... truncated ...]") {
		t.Errorf("expected truncation marker suffix, got tail %q", rc.Text[len(rc.Text)-30:])
	}
	body := strings.TrimSuffix(rc.Text, "\n\n[... truncated ...]")
	if len(body) != maxChars {
		t.Errorf("expected body of exactly %d chars before marker, got %d", maxChars, len(body))
	}

	// 截断只影响 Text，不影响块与出处
	if len(rc.Blocks) != 1 || len(rc.Sources) != 1 {
		t.Errorf("truncation must not drop blocks or sources: %d blocks, %d sources", len(rc.Blocks), len(rc.Sources))
	}
}

// TestExtractContextTruncationRuneBoundary 截断点落在多字节字符中间时回退到字符边界
func TestExtractContextTruncationRuneBoundary(t *testing.T) {
	hits := []kb.SearchHit{
		{Filename: "a.md", Text: strings.Repeat("知", 100)},
	}

	for maxChars := 30; maxChars < 60; maxChars++ {
		rc := kb.ExtractContext(hits, maxChars, true)
		if !rc.Truncated {
			t.Fatalf("maxChars=%d: expected truncation flag", maxChars)
		}
		if !strings.HasSuffix(rc.Text, "\n\n[... truncated ...]") {
			t.Fatalf("maxChars=%d: expected truncation marker suffix", maxChars)
		}
		body := strings.TrimSuffix(rc.Text, "\n\n[... truncated ...]")
		if !utf8.ValidString(body) {
			t.Errorf("maxChars=%d: truncated body is not valid UTF-8: %q", maxChars, body)
		}
		if len(body) > maxChars {
			t.Errorf("maxChars=%d: body %d bytes exceeds budget", maxChars, len(body))
		}
		if maxChars-len(body) >= utf8.UTFMax {
			t.Errorf("maxChars=%d: body %d bytes backed up more than one rune", maxChars, len(body))
		}
	}

	t.Logf("✅ Truncation never splits a multi-byte character")
}

// TestExtractContextDeterministic 相同输入产出相同结果
func TestExtractContextDeterministic(t *testing.T) {
	hits := []kb.SearchHit{
		{Filename: "a.md", Score: score(0.9), Text: "alpha"},
		{Filename: "b.md", Score: score(0.8), Text: strings.Repeat("b", 300)},
	}

	first := kb.ExtractContext(hits, 120, true)
	for i := 0; i < 5; i++ {
		again := kb.ExtractContext(hits, 120, true)
		if again.Text != first.Text || again.Truncated != first.Truncated {
			t.Fatalf("run %d: non-deterministic result", i)
		}
	}
}

// TestExtractContextEmptyHits 零命中产出空上下文
func TestExtractContextEmptyHits(t *testing.T) {
	rc := kb.ExtractContext(nil, 8000, true)
	if rc.Text != "" || len(rc.Blocks) != 0 || len(rc.Sources) != 0 || rc.Truncated {
		t.Errorf("expected empty context, got %+v", rc)
	}
}

// TestSearchAndExtract 检索 + 组装组合调用
func TestSearchAndExtract(t *testing.T) {
	client := &fakeSearchAPI{hits: []kb.RawHit{
		{FileID: "f1", Filename: "guide.md", Score: score(0.75), Content: rawParts(`{"text": "install with make"}`)},
	}}

	pipeline := kb.NewRetrievalPipeline(client, nil)
	rc, err := pipeline.SearchAndExtract(context.Background(), "vs_1", "how to install", 5, 8000)
	if err != nil {
		t.Fatalf("searchAndExtract failed: %v", err)
	}
	if rc.Text != "[KB#1 - guide.md (score: 0.75)]\ninstall with make" {
		t.Errorf("unexpected context: %q", rc.Text)
	}
}

// TestSearchPropagatesProviderError provider 错误原样上抛
func TestSearchPropagatesProviderError(t *testing.T) {
	client := &fakeSearchAPI{err: &kb.ProviderError{StatusCode: 404, Message: "vector store not found"}}

	pipeline := kb.NewRetrievalPipeline(client, nil)
	_, err := pipeline.Search(context.Background(), "vs_missing", "q", 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if !kb.IsNotFound(err) {
		t.Errorf("expected not-found classification, got %v", err)
	}
}
