package kb

import (
	"sync"
	"time"
)

// FileRegistry 进程内已上传文件登记表。
// 只追加；不做唯一性约束——同名文件重复上传会产生独立条目。
type FileRegistry struct {
	mu    sync.RWMutex
	files []KnowledgeFile
}

// NewFileRegistry 创建登记表
func NewFileRegistry() *FileRegistry {
	return &FileRegistry{}
}

// Record 登记一次成功上传
func (r *FileRegistry) Record(fileID, filename string, sizeBytes int64) KnowledgeFile {
	f := KnowledgeFile{
		FileID:     fileID,
		Filename:   filename,
		SizeBytes:  sizeBytes,
		UploadedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.files = append(r.files, f)
	r.mu.Unlock()
	return f
}

// List 按登记顺序返回所有文件（副本）
func (r *FileRegistry) List() []KnowledgeFile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KnowledgeFile, len(r.files))
	copy(out, r.files)
	return out
}

// AllFileIDs 按登记顺序返回所有 file_id，作为批次提交的默认集合
func (r *FileRegistry) AllFileIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.files))
	for i, f := range r.files {
		ids[i] = f.FileID
	}
	return ids
}

// Len 当前登记条目数
func (r *FileRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}
