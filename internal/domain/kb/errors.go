package kb

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrEmptyFileSet 批次提交时文件列表为空
	ErrEmptyFileSet = errors.New("no files to index: file set is empty")

	// ErrNotConfigured 未解析出可用的向量库 ID
	ErrNotConfigured = errors.New("no vector store configured")
)

// ProviderError 上游失败，原样携带上游 status/message
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound 上游返回的 index/batch/file 不存在
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

// BatchTimeoutError 批次等待超时，携带最后观测到的状态与计数用于诊断
type BatchTimeoutError struct {
	BatchID    string
	Timeout    time.Duration
	LastStatus BatchStatus
	Counts     FileCounts
}

func (e *BatchTimeoutError) Error() string {
	return fmt.Sprintf("batch %s did not reach a terminal state within %s (last status: %s, %d/%d files completed)",
		e.BatchID, e.Timeout, e.LastStatus, e.Counts.Completed, e.Counts.Total)
}

// IsBatchTimeout 是否为批次等待超时
func IsBatchTimeout(err error) bool {
	var te *BatchTimeoutError
	return errors.As(err, &te)
}
