package openaivs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vectorkb/internal/domain/kb"
)

// Config OpenAI Vector Store API 配置
type Config struct {
	APIKey                     string `json:"api_key"`
	BaseURL                    string `json:"base_url"` // 默认 https://api.openai.com/v1
	ConnectTimeoutSeconds      int    `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int    `json:"tls_handshake_timeout_seconds"`
	RequestTimeoutSeconds      int    `json:"request_timeout_seconds"`
}

// Client OpenAI 文件存储 / 向量库 / 批次 / 检索客户端。
// 实现 kb.FileAPI / kb.StoreAPI / kb.BatchAPI / kb.SearchAPI。
type Client struct {
	config Config
	client *http.Client
}

// 编译期接口检查
var (
	_ kb.FileAPI   = (*Client)(nil)
	_ kb.StoreAPI  = (*Client)(nil)
	_ kb.BatchAPI  = (*Client)(nil)
	_ kb.SearchAPI = (*Client)(nil)
)

// New 创建客户端
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	connectTimeout := time.Duration(config.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	tlsHandshakeTimeout := time.Duration(config.TLSHandshakeTimeoutSeconds) * time.Second
	if tlsHandshakeTimeout <= 0 {
		tlsHandshakeTimeout = 30 * time.Second
	}
	requestTimeout := time.Duration(config.RequestTimeoutSeconds) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	// 每个 provider 调用都带独立超时，上游卡死不应悬挂调用方
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout

	return &Client{
		config: config,
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}
}

// -- 内部 API 请求/响应结构 --

type fileObject struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Deleted   bool   `json:"deleted"`
}

type fileCounts struct {
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

type vectorStoreObject struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	FileCounts fileCounts `json:"file_counts"`
	CreatedAt  int64      `json:"created_at"`
	Deleted    bool       `json:"deleted"`
}

type storeFileObject struct {
	ID            string `json:"id"`
	VectorStoreID string `json:"vector_store_id"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"`
	Deleted       bool   `json:"deleted"`
}

type batchObject struct {
	ID            string     `json:"id"`
	VectorStoreID string     `json:"vector_store_id"`
	Status        string     `json:"status"`
	FileCounts    fileCounts `json:"file_counts"`
	CreatedAt     int64      `json:"created_at"`
}

type searchHitObject struct {
	FileID   string            `json:"file_id"`
	Filename string            `json:"filename"`
	Score    *float64          `json:"score"`
	Content  []json.RawMessage `json:"content"`
}

type searchResponse struct {
	Data    []searchHitObject `json:"data"`
	HasMore bool              `json:"has_more"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type fileContentResponse struct {
	Data []contentPart `json:"data"`
}

// -- kb.FileAPI --

// UploadFile 以 multipart 上传文件字节（purpose=assistants）
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader) (*kb.KnowledgeFile, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("purpose", "assistants"); err != nil {
		return nil, fmt.Errorf("write purpose field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("copy file bytes: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/files", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var out fileObject
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return fileFromObject(&out), nil
}

// RetrieveFile 查询已上传文件信息
func (c *Client) RetrieveFile(ctx context.Context, fileID string) (*kb.KnowledgeFile, error) {
	var out fileObject
	if err := c.getJSON(ctx, "/files/"+url.PathEscape(fileID), &out); err != nil {
		return nil, err
	}
	return fileFromObject(&out), nil
}

// DeleteFile 删除已上传文件
func (c *Client) DeleteFile(ctx context.Context, fileID string) (bool, error) {
	var out fileObject
	if err := c.deleteJSON(ctx, "/files/"+url.PathEscape(fileID), &out); err != nil {
		return false, err
	}
	return out.Deleted, nil
}

// -- kb.StoreAPI --

// CreateVectorStore 创建向量库
func (c *Client) CreateVectorStore(ctx context.Context, name string) (*kb.VectorStore, error) {
	body := map[string]any{"name": name}
	var out vectorStoreObject
	if err := c.postJSON(ctx, "/vector_stores", body, &out); err != nil {
		return nil, err
	}
	return storeFromObject(&out), nil
}

// RetrieveVectorStore 查询向量库
func (c *Client) RetrieveVectorStore(ctx context.Context, storeID string) (*kb.VectorStore, error) {
	var out vectorStoreObject
	if err := c.getJSON(ctx, "/vector_stores/"+url.PathEscape(storeID), &out); err != nil {
		return nil, err
	}
	return storeFromObject(&out), nil
}

// ListVectorStores 列出向量库
func (c *Client) ListVectorStores(ctx context.Context, limit int) ([]kb.VectorStore, error) {
	var out struct {
		Data []vectorStoreObject `json:"data"`
	}
	if err := c.getJSON(ctx, "/vector_stores"+limitQuery(limit), &out); err != nil {
		return nil, err
	}
	stores := make([]kb.VectorStore, len(out.Data))
	for i := range out.Data {
		stores[i] = *storeFromObject(&out.Data[i])
	}
	return stores, nil
}

// DeleteVectorStore 删除向量库
func (c *Client) DeleteVectorStore(ctx context.Context, storeID string) (bool, error) {
	var out vectorStoreObject
	if err := c.deleteJSON(ctx, "/vector_stores/"+url.PathEscape(storeID), &out); err != nil {
		return false, err
	}
	return out.Deleted, nil
}

// ListStoreFiles 列出向量库内文件
func (c *Client) ListStoreFiles(ctx context.Context, storeID string, limit int) ([]kb.StoreFile, error) {
	var out struct {
		Data []storeFileObject `json:"data"`
	}
	path := "/vector_stores/" + url.PathEscape(storeID) + "/files" + limitQuery(limit)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	files := make([]kb.StoreFile, len(out.Data))
	for i, f := range out.Data {
		files[i] = kb.StoreFile{
			ID:            f.ID,
			VectorStoreID: f.VectorStoreID,
			Status:        f.Status,
			CreatedAt:     time.Unix(f.CreatedAt, 0).UTC(),
		}
	}
	return files, nil
}

// RemoveStoreFile 从向量库移除文件（不删除底层文件对象）
func (c *Client) RemoveStoreFile(ctx context.Context, storeID, fileID string) (bool, error) {
	var out storeFileObject
	path := "/vector_stores/" + url.PathEscape(storeID) + "/files/" + url.PathEscape(fileID)
	if err := c.deleteJSON(ctx, path, &out); err != nil {
		return false, err
	}
	return out.Deleted, nil
}

// RetrieveFileContent 读取向量库内文件的已解析文本
func (c *Client) RetrieveFileContent(ctx context.Context, storeID, fileID string) (string, error) {
	var out fileContentResponse
	path := "/vector_stores/" + url.PathEscape(storeID) + "/files/" + url.PathEscape(fileID) + "/content"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	var parts []string
	for _, p := range out.Data {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// -- kb.BatchAPI --

// CreateBatch 创建索引批次
func (c *Client) CreateBatch(ctx context.Context, storeID string, fileIDs []string, chunking map[string]any) (*kb.IndexBatch, error) {
	body := map[string]any{"file_ids": fileIDs}
	if chunking != nil {
		body["chunking_strategy"] = chunking
	}

	var out batchObject
	path := "/vector_stores/" + url.PathEscape(storeID) + "/file_batches"
	if err := c.postJSON(ctx, path, body, &out); err != nil {
		return nil, err
	}

	batch := batchFromObject(&out, storeID)
	batch.FileIDs = fileIDs
	return batch, nil
}

// RetrieveBatch 查询批次状态
func (c *Client) RetrieveBatch(ctx context.Context, storeID, batchID string) (*kb.IndexBatch, error) {
	var out batchObject
	path := "/vector_stores/" + url.PathEscape(storeID) + "/file_batches/" + url.PathEscape(batchID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return batchFromObject(&out, storeID), nil
}

// CancelBatch 请求取消批次，返回取消请求后的批次状态
func (c *Client) CancelBatch(ctx context.Context, storeID, batchID string) (*kb.IndexBatch, error) {
	var out batchObject
	path := "/vector_stores/" + url.PathEscape(storeID) + "/file_batches/" + url.PathEscape(batchID) + "/cancel"
	if err := c.postJSON(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return batchFromObject(&out, storeID), nil
}

// ListBatches 列出向量库的批次
func (c *Client) ListBatches(ctx context.Context, storeID string, limit int) ([]kb.IndexBatch, error) {
	var out struct {
		Data []batchObject `json:"data"`
	}
	path := "/vector_stores/" + url.PathEscape(storeID) + "/file_batches" + limitQuery(limit)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	batches := make([]kb.IndexBatch, len(out.Data))
	for i := range out.Data {
		batches[i] = *batchFromObject(&out.Data[i], storeID)
	}
	return batches, nil
}

// -- kb.SearchAPI --

// Search 语义检索，返回 provider 原始命中（归一化由 RetrievalPipeline 负责）
func (c *Client) Search(ctx context.Context, storeID, query string, maxResults int) ([]kb.RawHit, error) {
	body := map[string]any{
		"query":           query,
		"max_num_results": maxResults,
	}

	var out searchResponse
	path := "/vector_stores/" + url.PathEscape(storeID) + "/search"
	if err := c.postJSON(ctx, path, body, &out); err != nil {
		return nil, err
	}

	hits := make([]kb.RawHit, len(out.Data))
	for i, h := range out.Data {
		hits[i] = kb.RawHit{
			FileID:   h.FileID,
			Filename: h.Filename,
			Score:    h.Score,
			Content:  h.Content,
		}
	}
	return hits, nil
}

// -- HTTP 基础设施 --

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	return c.do(httpReq, out)
}

func (c *Client) deleteJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		// 上游诊断原样保留，不做重新解释
		return &kb.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	// 向量库检索仍挂在 Assistants v2 beta 下
	req.Header.Set("OpenAI-Beta", "assistants=v2")
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("?limit=%d", limit)
}

func fileFromObject(o *fileObject) *kb.KnowledgeFile {
	return &kb.KnowledgeFile{
		FileID:     o.ID,
		Filename:   o.Filename,
		SizeBytes:  o.Bytes,
		UploadedAt: time.Unix(o.CreatedAt, 0).UTC(),
	}
}

func storeFromObject(o *vectorStoreObject) *kb.VectorStore {
	return &kb.VectorStore{
		ID:        o.ID,
		Name:      o.Name,
		Status:    o.Status,
		Counts:    countsFromObject(o.FileCounts),
		CreatedAt: time.Unix(o.CreatedAt, 0).UTC(),
	}
}

func batchFromObject(o *batchObject, storeID string) *kb.IndexBatch {
	if o.VectorStoreID == "" {
		o.VectorStoreID = storeID
	}
	return &kb.IndexBatch{
		ID:            o.ID,
		VectorStoreID: o.VectorStoreID,
		Status:        kb.BatchStatus(o.Status),
		Counts:        countsFromObject(o.FileCounts),
		CreatedAt:     time.Unix(o.CreatedAt, 0).UTC(),
	}
}

func countsFromObject(fc fileCounts) kb.FileCounts {
	return kb.FileCounts{
		Completed:  fc.Completed,
		InProgress: fc.InProgress,
		Failed:     fc.Failed,
		Cancelled:  fc.Cancelled,
		Total:      fc.Total,
	}
}
