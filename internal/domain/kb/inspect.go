package kb

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "vectorkb/internal/platform/log"
)

// ── 上传前文档探测 ────────────────────────────────────────────
//
// 索引与文本提取由外部 provider 完成；这里只在上传前做本地校验：
// 类型允许、内容非空、能打开。顺带拿到页数/字符数写入审计日志。

// ProbeResult 文档探测结果
type ProbeResult struct {
	Format    string `json:"format"`
	CharCount int    `json:"char_count"`
	Pages     int    `json:"pages,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Prober 单一文档类型的探测器
type Prober interface {
	// Probe 校验文档并返回摘要信息
	Probe(reader io.Reader, filename string) (*ProbeResult, error)
	// SupportedTypes 支持的文件扩展名
	SupportedTypes() []string
}

// ProbeRegistry 探测器注册表
type ProbeRegistry struct {
	mu      sync.RWMutex
	probers map[string]Prober // key = ".ext"
}

// NewProbeRegistry 创建注册表并注册内置探测器
func NewProbeRegistry() *ProbeRegistry {
	r := &ProbeRegistry{
		probers: make(map[string]Prober),
	}
	r.Register(&MarkdownProber{})
	r.Register(&PlainTextProber{})
	r.Register(&PDFProber{})
	r.Register(&DOCXProber{})
	return r
}

// Register 注册探测器
func (r *ProbeRegistry) Register(p Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.SupportedTypes() {
		r.probers[strings.ToLower(ext)] = p
	}
}

// Get 按文件名选择探测器
func (r *ProbeRegistry) Get(filename string) (Prober, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return nil, fmt.Errorf("no file extension in filename: %s", filename)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.probers[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file type: %s (supported: %s)", ext, r.SupportedTypes())
	}
	return p, nil
}

// SupportedTypes 所有支持的扩展名
func (r *ProbeRegistry) SupportedTypes() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []string
	for ext := range r.probers {
		types = append(types, ext)
	}
	return strings.Join(types, ", ")
}

// ── Markdown ─────────────────────────────────────────────────

// MarkdownProber Markdown 文档探测
type MarkdownProber struct{}

func (p *MarkdownProber) SupportedTypes() []string {
	return []string{".md", ".markdown"}
}

func (p *MarkdownProber) Probe(reader io.Reader, filename string) (*ProbeResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("markdown file is not valid UTF-8: %s", filename)
	}

	text := string(data)

	// 第一个 # 标题作为 title
	title := ""
	for _, line := range strings.SplitN(text, "\n", 20) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimPrefix(line, "# ")
			break
		}
	}

	return &ProbeResult{
		Format:    "markdown",
		CharCount: utf8.RuneCountInString(text),
		Title:     title,
	}, nil
}

// ── 纯文本 ───────────────────────────────────────────────────

// PlainTextProber 纯文本探测
type PlainTextProber struct{}

func (p *PlainTextProber) SupportedTypes() []string {
	return []string{".txt", ".text", ".csv", ".log"}
}

func (p *PlainTextProber) Probe(reader io.Reader, filename string) (*ProbeResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("text file is not valid UTF-8: %s", filename)
	}

	return &ProbeResult{
		Format:    strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."),
		CharCount: utf8.RuneCount(data),
	}, nil
}

// ── PDF ──────────────────────────────────────────────────────

// PDFProber PDF 文档探测
type PDFProber struct{}

func (p *PDFProber) SupportedTypes() []string {
	return []string{".pdf"}
}

func (p *PDFProber) Probe(reader io.Reader, filename string) (*ProbeResult, error) {
	// pdf 库需要 io.ReaderAt + size，先读到内存
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf data: %w", err)
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := r.NumPage()
	chars := 0
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[KB/Probe] Failed to extract PDF page text", "file", filename, "page", i, "error", err)
			continue
		}
		chars += utf8.RuneCountInString(strings.TrimSpace(text))
	}

	return &ProbeResult{
		Format:    "pdf",
		CharCount: chars,
		Pages:     pages,
	}, nil
}

// ── DOCX ─────────────────────────────────────────────────────

// DOCXProber Word 文档探测
type DOCXProber struct{}

var reXMLTag = regexp.MustCompile(`<[^>]+>`)

func (p *DOCXProber) SupportedTypes() []string {
	return []string{".docx"}
}

func (p *DOCXProber) Probe(reader io.Reader, filename string) (*ProbeResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read docx data: %w", err)
	}

	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	// GetContent 返回文档 XML，去标签后估算字符数
	content := reXMLTag.ReplaceAllString(r.Editable().GetContent(), " ")
	content = strings.Join(strings.Fields(content), " ")

	return &ProbeResult{
		Format:    "docx",
		CharCount: utf8.RuneCountInString(content),
	}, nil
}
