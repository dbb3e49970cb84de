package kb

import (
	"context"
	"io"
)

// FileAPI defines the provider file-storage operations required by the upload path.
type FileAPI interface {
	UploadFile(ctx context.Context, filename string, r io.Reader) (*KnowledgeFile, error)
	RetrieveFile(ctx context.Context, fileID string) (*KnowledgeFile, error)
	DeleteFile(ctx context.Context, fileID string) (bool, error)
}

// StoreAPI defines vector-store management operations.
type StoreAPI interface {
	CreateVectorStore(ctx context.Context, name string) (*VectorStore, error)
	RetrieveVectorStore(ctx context.Context, storeID string) (*VectorStore, error)
	ListVectorStores(ctx context.Context, limit int) ([]VectorStore, error)
	DeleteVectorStore(ctx context.Context, storeID string) (bool, error)
	ListStoreFiles(ctx context.Context, storeID string, limit int) ([]StoreFile, error)
	RemoveStoreFile(ctx context.Context, storeID, fileID string) (bool, error)
	RetrieveFileContent(ctx context.Context, storeID, fileID string) (string, error)
}

// BatchAPI defines index-batch lifecycle operations required by BatchController.
type BatchAPI interface {
	CreateBatch(ctx context.Context, storeID string, fileIDs []string, chunking map[string]any) (*IndexBatch, error)
	RetrieveBatch(ctx context.Context, storeID, batchID string) (*IndexBatch, error)
	CancelBatch(ctx context.Context, storeID, batchID string) (*IndexBatch, error)
	ListBatches(ctx context.Context, storeID string, limit int) ([]IndexBatch, error)
}

// SearchAPI defines the semantic-search operation required by RetrievalPipeline.
type SearchAPI interface {
	Search(ctx context.Context, storeID, query string, maxResults int) ([]RawHit, error)
}

// AnswerCacheKey 问答缓存键维度
type AnswerCacheKey struct {
	StoreID    string
	Model      string
	Query      string
	MaxResults int
}

// AnswerCacheStore defines cache operations consumed by Assistant.
type AnswerCacheStore interface {
	Get(ctx context.Context, key *AnswerCacheKey) (*Answer, bool)
	Set(ctx context.Context, key *AnswerCacheKey, ans *Answer)
	InvalidateByStore(ctx context.Context, storeID string)
}

// AuditStore defines the optional durable audit log for uploads and batches.
type AuditStore interface {
	RecordUpload(ctx context.Context, f *KnowledgeFile) error
	RecordBatch(ctx context.Context, b *IndexBatch) error
	UpdateBatch(ctx context.Context, b *IndexBatch) error
	ListUploads(ctx context.Context, limit int) ([]KnowledgeFile, error)
	ListBatches(ctx context.Context, storeID string, limit int) ([]IndexBatch, error)
}
