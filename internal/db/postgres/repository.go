package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"vectorkb/internal/domain/kb"
)

// Repository 上传与批次的 PostgreSQL 审计存储。
// 实现 kb.AuditStore。纯追加式审计记录，不承担一致性职责——
// 真实状态始终以 provider 为准。
type Repository struct {
	db *sql.DB
}

var _ kb.AuditStore = (*Repository)(nil)

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureTables 确保审计表存在
func (r *Repository) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS knowledge_files (
		id          UUID PRIMARY KEY,
		file_id     VARCHAR(255) NOT NULL,
		filename    VARCHAR(512) NOT NULL,
		size_bytes  BIGINT NOT NULL DEFAULT 0,
		uploaded_at TIMESTAMPTZ NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_files_file_id ON knowledge_files(file_id);

	CREATE TABLE IF NOT EXISTS index_batches (
		id              UUID PRIMARY KEY,
		batch_id        VARCHAR(255) NOT NULL UNIQUE,
		vector_store_id VARCHAR(255) NOT NULL,
		status          VARCHAR(32) NOT NULL,
		files_total     INT NOT NULL DEFAULT 0,
		files_completed INT NOT NULL DEFAULT 0,
		files_failed    INT NOT NULL DEFAULT 0,
		files_cancelled INT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_index_batches_store ON index_batches(vector_store_id);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// RecordUpload 记录一次成功上传
func (r *Repository) RecordUpload(ctx context.Context, f *kb.KnowledgeFile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO knowledge_files (id, file_id, filename, size_bytes, uploaded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), f.FileID, f.Filename, f.SizeBytes, f.UploadedAt,
	)
	return err
}

// RecordBatch 记录批次创建
func (r *Repository) RecordBatch(ctx context.Context, b *kb.IndexBatch) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO index_batches (id, batch_id, vector_store_id, status, files_total, files_completed, files_failed, files_cancelled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (batch_id) DO NOTHING`,
		uuid.NewString(), b.ID, b.VectorStoreID, string(b.Status),
		b.Counts.Total, b.Counts.Completed, b.Counts.Failed, b.Counts.Cancelled,
	)
	return err
}

// UpdateBatch 更新批次观测到的最新状态与计数
func (r *Repository) UpdateBatch(ctx context.Context, b *kb.IndexBatch) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE index_batches
		SET status = $2, files_total = $3, files_completed = $4, files_failed = $5, files_cancelled = $6, updated_at = $7
		WHERE batch_id = $1`,
		b.ID, string(b.Status),
		b.Counts.Total, b.Counts.Completed, b.Counts.Failed, b.Counts.Cancelled,
		time.Now().UTC(),
	)
	return err
}

// ListUploads 按上传时间列出审计到的文件
func (r *Repository) ListUploads(ctx context.Context, limit int) ([]kb.KnowledgeFile, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT file_id, filename, size_bytes, uploaded_at
		FROM knowledge_files
		ORDER BY uploaded_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []kb.KnowledgeFile
	for rows.Next() {
		var f kb.KnowledgeFile
		if err := rows.Scan(&f.FileID, &f.Filename, &f.SizeBytes, &f.UploadedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ListBatches 按创建时间列出审计到的批次
func (r *Repository) ListBatches(ctx context.Context, storeID string, limit int) ([]kb.IndexBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT batch_id, vector_store_id, status, files_total, files_completed, files_failed, files_cancelled, created_at
		FROM index_batches
		WHERE vector_store_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []kb.IndexBatch
	for rows.Next() {
		var b kb.IndexBatch
		var status string
		if err := rows.Scan(&b.ID, &b.VectorStoreID, &status,
			&b.Counts.Total, &b.Counts.Completed, &b.Counts.Failed, &b.Counts.Cancelled,
			&b.CreatedAt); err != nil {
			return nil, err
		}
		b.Status = kb.BatchStatus(status)
		b.Counts.InProgress = b.Counts.Total - b.Counts.Completed - b.Counts.Failed - b.Counts.Cancelled
		batches = append(batches, b)
	}
	return batches, rows.Err()
}
