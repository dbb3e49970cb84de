package kb

import (
	"encoding/json"
	"time"
)

// KnowledgeFile 已上传到外部存储的文件记录
type KnowledgeFile struct {
	FileID     string    `json:"file_id"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// BatchStatus 索引批次生命周期状态
type BatchStatus string

const (
	BatchQueued     BatchStatus = "queued"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// Terminal 是否终态（终态后 status/counts 不再变化）
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// FileCounts 批次内逐文件状态计数
// 不变式: Total == Completed + InProgress + Failed + Cancelled
type FileCounts struct {
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// IndexBatch 向量库索引批次
type IndexBatch struct {
	ID            string      `json:"batch_id"`
	VectorStoreID string      `json:"vector_store_id"`
	FileIDs       []string    `json:"file_ids,omitempty"`
	Status        BatchStatus `json:"status"`
	Counts        FileCounts  `json:"counts"`
	CreatedAt     time.Time   `json:"created_at,omitempty"`
}

// VectorStore 外部托管的向量库描述
type VectorStore struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Counts    FileCounts `json:"file_counts"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// StoreFile 向量库内的文件条目
type StoreFile struct {
	ID            string    `json:"id"`
	VectorStoreID string    `json:"vector_store_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// RawHit 检索命中（provider 原始形态，content 分片未归一化）
type RawHit struct {
	FileID   string            `json:"file_id"`
	Filename string            `json:"filename"`
	Score    *float64          `json:"score,omitempty"`
	Content  []json.RawMessage `json:"content"`
}

// SearchHit 归一化后的检索命中
type SearchHit struct {
	FileID   string   `json:"file_id"`
	Filename string   `json:"filename"`
	Score    *float64 `json:"score,omitempty"`
	Text     string   `json:"text"`
}

// HitSet 一次检索的归一化结果。Skipped 记录因无法提取文本而被丢弃的命中数。
type HitSet struct {
	Hits    []SearchHit `json:"hits"`
	Skipped int         `json:"skipped"`
}

// ContextBlock 上下文中的单个编号片段
type ContextBlock struct {
	Rank   int    `json:"rank"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// RetrievedContext 由命中组装出的受限上下文。
// 对相同输入是纯函数结果（确定性、可重入）。
type RetrievedContext struct {
	Blocks    []ContextBlock `json:"blocks"`
	Text      string         `json:"text"`
	Sources   []string       `json:"sources"`
	Truncated bool           `json:"truncated"`
}

// Answer RAG 问答结果
type Answer struct {
	Query          string   `json:"query"`
	Answer         string   `json:"answer"`
	ContextExcerpt string   `json:"context"`
	Sources        []string `json:"sources"`
	Model          string   `json:"model"`
	Cached         bool     `json:"cached,omitempty"`
}
