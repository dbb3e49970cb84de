package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"vectorkb/internal/domain/kb"
	applog "vectorkb/internal/platform/log"
	"vectorkb/internal/provider"
)

// KBHandler 知识库 API：上传、向量库管理、索引批次、检索与问答
type KBHandler struct {
	session   *Session
	maxFileMB int
}

// NewKBHandler 创建处理器
func NewKBHandler(session *Session, maxFileMB int) *KBHandler {
	if maxFileMB <= 0 {
		maxFileMB = 50
	}
	return &KBHandler{
		session:   session,
		maxFileMB: maxFileMB,
	}
}

// RegisterRoutes 注册知识库路由
func (h *KBHandler) RegisterRoutes(r chi.Router) {
	r.Post("/config", h.Configure)

	// 文件上传
	r.Post("/upload", h.Upload)
	r.Get("/files", h.ListFiles)

	// 向量库管理
	r.Post("/vector-store", h.CreateVectorStore)
	r.Get("/vector-stores", h.ListVectorStores)
	r.Get("/status/{id}", h.VectorStoreStatus)

	r.Route("/vector-stores/{id}", func(r chi.Router) {
		r.Delete("/", h.DeleteVectorStore)
		r.Get("/files", h.ListStoreFiles)
		r.Post("/add-files", h.AddFiles)
		r.Get("/batches", h.ListBatches)
		r.Get("/batch/{batchID}/status", h.BatchStatus)
		r.Post("/batch/{batchID}/cancel", h.CancelBatch)
		r.Delete("/files/{fileID}", h.RemoveStoreFile)
		r.Get("/files/{fileID}/content", h.FileContent)
		r.Get("/audit/batches", h.AuditBatches)
	})

	// 审计日志（需要配置 DATABASE_URL）
	r.Get("/audit/uploads", h.AuditUploads)

	// 检索与问答
	r.Post("/search", h.Search)
	r.Post("/query", h.Query)
}

// deps 取会话组件，未配置时写 503 并返回 nil
func (h *KBHandler) deps(w http.ResponseWriter) *Deps {
	d := h.session.Deps()
	if d == nil {
		writeError(w, http.StatusServiceUnavailable, "service not configured: set OPENAI_API_KEY or call POST /api/config")
	}
	return d
}

// writeKBError 按错误类别映射 HTTP 状态码
func writeKBError(w http.ResponseWriter, err error, fallback string) {
	var pe *kb.ProviderError
	switch {
	case errors.Is(err, kb.ErrNotConfigured), errors.Is(err, kb.ErrEmptyFileSet):
		writeError(w, http.StatusBadRequest, err.Error())
	case kb.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case kb.IsBatchTimeout(err):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &pe):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// --- 运行时配置 ---

type configureRequest struct {
	APIKey        string `json:"api_key,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
	Model         string `json:"model,omitempty"`
	VectorStoreID string `json:"vector_store_id,omitempty"`
}

// Configure 运行时重配置：换凭证、切模型、选当前向量库
func (h *KBHandler) Configure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.APIKey == "" && req.Model == "" && req.VectorStoreID == "" {
		writeError(w, http.StatusBadRequest, "nothing to configure")
		return
	}

	if err := h.session.Configure(req.APIKey, req.BaseURL, req.Model, req.VectorStoreID); err != nil {
		applog.Error("[API] Configure failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to apply configuration")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured":      h.session.Configured(),
		"model":           h.session.Model(),
		"vector_store_id": h.session.VectorStore(),
		"providers":       provider.ListProviders(),
	})
}

// --- 文件上传 ---

// Upload 上传文件到外部存储（multipart/form-data）。
// 索引与文本提取由 provider 完成，这里只做本地探测校验。
func (h *KBHandler) Upload(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	limitBytes := int64(h.maxFileMB) << 20

	if err := r.ParseMultipartForm(limitBytes); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header.Size > 0 && header.Size > limitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}

	filename := header.Filename

	var probe *kb.ProbeResult
	if deps.Probes != nil {
		prober, err := deps.Probes.Get(filename)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		probe, err = prober.Probe(bytes.NewReader(data), filename)
		if err != nil {
			applog.Error("[API] File probe failed", "filename", filename, "error", err)
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file validation failed: %v", err))
			return
		}
	}

	uploaded, err := deps.Files.UploadFile(r.Context(), filename, bytes.NewReader(data))
	if err != nil {
		applog.Error("[API] Upload failed", "filename", filename, "error", err)
		writeKBError(w, err, "failed to upload file")
		return
	}

	recorded := deps.Registry.Record(uploaded.FileID, filename, uploaded.SizeBytes)
	if deps.Audit != nil {
		if err := deps.Audit.RecordUpload(r.Context(), &recorded); err != nil {
			applog.Warn("[API] Failed to record upload audit", "file_id", uploaded.FileID, "error", err)
		}
	}

	applog.Info("[API] File uploaded",
		"file_id", uploaded.FileID,
		"filename", filename,
		"size_bytes", uploaded.SizeBytes,
	)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"file":  recorded,
		"probe": probe,
	})
}

// ListFiles 列出本会话已上传的文件
func (h *KBHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": deps.Registry.List(),
		"count": deps.Registry.Len(),
	})
}

// --- 向量库管理 ---

type createStoreRequest struct {
	Name string `json:"name"`
}

// CreateVectorStore 创建向量库并设为当前库
func (h *KBHandler) CreateVectorStore(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	var req createStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		req.Name = "knowledge-base"
	}

	store, err := deps.Stores.CreateVectorStore(r.Context(), req.Name)
	if err != nil {
		applog.Error("[API] CreateVectorStore failed", "error", err)
		writeKBError(w, err, "failed to create vector store")
		return
	}

	h.session.SetVectorStore(store.ID)
	applog.Info("[API] Vector store created", "store_id", store.ID, "name", store.Name)
	writeJSON(w, http.StatusCreated, store)
}

// ListVectorStores 列出向量库
func (h *KBHandler) ListVectorStores(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	stores, err := deps.Stores.ListVectorStores(r.Context(), 0)
	if err != nil {
		writeKBError(w, err, "failed to list vector stores")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stores":  stores,
		"current": h.session.VectorStore(),
	})
}

// VectorStoreStatus 向量库状态与文件计数
func (h *KBHandler) VectorStoreStatus(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	store, err := deps.Stores.RetrieveVectorStore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeKBError(w, err, "failed to get vector store status")
		return
	}
	writeJSON(w, http.StatusOK, store)
}

// DeleteVectorStore 删除向量库
func (h *KBHandler) DeleteVectorStore(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	storeID := chi.URLParam(r, "id")
	deleted, err := deps.Stores.DeleteVectorStore(r.Context(), storeID)
	if err != nil {
		writeKBError(w, err, "failed to delete vector store")
		return
	}

	if h.session.VectorStore() == storeID {
		h.session.SetVectorStore("")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// ListStoreFiles 列出向量库内的文件
func (h *KBHandler) ListStoreFiles(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	files, err := deps.Stores.ListStoreFiles(r.Context(), chi.URLParam(r, "id"), 0)
	if err != nil {
		writeKBError(w, err, "failed to list store files")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// RemoveStoreFile 从向量库移除文件
func (h *KBHandler) RemoveStoreFile(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	removed, err := deps.Stores.RemoveStoreFile(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "fileID"))
	if err != nil {
		writeKBError(w, err, "failed to remove file from vector store")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// FileContent 读取向量库中某文件的已解析文本
func (h *KBHandler) FileContent(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	content, err := deps.Stores.RetrieveFileContent(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "fileID"))
	if err != nil {
		writeKBError(w, err, "failed to retrieve file content")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"content": content})
}

// --- 索引批次 ---

type addFilesRequest struct {
	FileIDs []string `json:"file_ids,omitempty"` // 空=登记表中全部文件
	Wait    bool     `json:"wait,omitempty"`     // true=同步等待终态
}

// AddFiles 提交索引批次。file_ids 为空时取登记表中全部已上传文件。
// wait=true 时阻塞到终态或超时。
func (h *KBHandler) AddFiles(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	storeID := chi.URLParam(r, "id")

	var req addFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fileIDs := req.FileIDs
	if len(fileIDs) == 0 {
		fileIDs = deps.Registry.AllFileIDs()
	}

	start := time.Now()

	if req.Wait {
		status, err := deps.Batches.CreateAndWait(r.Context(), storeID, fileIDs, 0)
		if err != nil {
			applog.Error("[API] AddFiles (wait) failed", "store_id", storeID, "error", err)
			writeKBError(w, err, "failed to index files")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     status,
			"files":      len(fileIDs),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		return
	}

	batch, err := deps.Batches.Create(r.Context(), storeID, fileIDs, nil)
	if err != nil {
		applog.Error("[API] AddFiles failed", "store_id", storeID, "error", err)
		writeKBError(w, err, "failed to create index batch")
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

// BatchStatus 批次状态单次读取
func (h *KBHandler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	batch, err := deps.Batches.Poll(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "batchID"))
	if err != nil {
		writeKBError(w, err, "failed to get batch status")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// CancelBatch 请求取消批次
func (h *KBHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	cancelled, err := deps.Batches.Cancel(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "batchID"))
	if err != nil {
		writeKBError(w, err, "failed to cancel batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

// ListBatches 列出向量库的索引批次
func (h *KBHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	batches, err := deps.Batches.ListBatches(r.Context(), chi.URLParam(r, "id"), 0)
	if err != nil {
		writeKBError(w, err, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches})
}

// --- 审计日志 ---

// audit 取审计存储，未启用时写 503 并返回 nil
func (h *KBHandler) audit(w http.ResponseWriter, deps *Deps) kb.AuditStore {
	if deps.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not enabled: set DATABASE_URL")
		return nil
	}
	return deps.Audit
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

// AuditUploads 持久化审计日志中的上传历史
func (h *KBHandler) AuditUploads(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}
	audit := h.audit(w, deps)
	if audit == nil {
		return
	}

	files, err := audit.ListUploads(r.Context(), limitParam(r))
	if err != nil {
		applog.Error("[API] AuditUploads failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list upload history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"uploads": files})
}

// AuditBatches 持久化审计日志中某向量库的批次历史
func (h *KBHandler) AuditBatches(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}
	audit := h.audit(w, deps)
	if audit == nil {
		return
	}

	batches, err := audit.ListBatches(r.Context(), chi.URLParam(r, "id"), limitParam(r))
	if err != nil {
		applog.Error("[API] AuditBatches failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list batch history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches})
}

// --- 检索与问答 ---

type searchRequest struct {
	Query         string `json:"query"`
	VectorStoreID string `json:"vector_store_id,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
}

// resolveStore 请求级覆盖优先，否则用会话当前向量库
func (h *KBHandler) resolveStore(requested string) string {
	if requested != "" {
		return requested
	}
	return h.session.VectorStore()
}

// Search 语义检索，只返回归一化命中，不触发生成
func (h *KBHandler) Search(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	storeID := h.resolveStore(req.VectorStoreID)
	if storeID == "" {
		writeError(w, http.StatusBadRequest, kb.ErrNotConfigured.Error())
		return
	}

	set, err := deps.Retrieval.Search(r.Context(), storeID, req.Query, req.MaxResults)
	if err != nil {
		applog.Error("[API] Search failed", "store_id", storeID, "error", err)
		writeKBError(w, err, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, set)
}

type queryRequest struct {
	Query         string             `json:"query"`
	VectorStoreID string             `json:"vector_store_id,omitempty"`
	History       []provider.Message `json:"history,omitempty"`
	Model         string             `json:"model,omitempty"`
	Provider      string             `json:"provider,omitempty"`
	MaxResults    int                `json:"max_results,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
}

// Query 完整 RAG 问答：检索 + 生成 + 出处
func (h *KBHandler) Query(w http.ResponseWriter, r *http.Request) {
	deps := h.deps(w)
	if deps == nil {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	model := req.Model
	if model == "" {
		model = h.session.Model()
	}
	if req.Provider != "" {
		if _, err := provider.GetProvider(req.Provider); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ans, err := deps.Assistant.Answer(r.Context(), h.resolveStore(req.VectorStoreID), req.Query, req.History, &kb.AnswerOptions{
		Model:       model,
		Provider:    req.Provider,
		MaxResults:  req.MaxResults,
		Temperature: req.Temperature,
	})
	if err != nil {
		applog.Error("[API] Query failed", "error", err)
		writeKBError(w, err, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, ans)
}
