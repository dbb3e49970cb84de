package kb

import (
	"context"
	"time"

	applog "vectorkb/internal/platform/log"
)

// BatchController 驱动索引批次从提交到终态。
// 批次级成功与文件级成功是独立信号：completed 且 counts.failed > 0
// 仍按 completed 返回，逐文件结果由调用方读取 counts。
type BatchController struct {
	client BatchAPI
	config *Config
	audit  AuditStore       // 可选
	cache  AnswerCacheStore // 可选：批次完成后失效对应向量库的问答缓存
}

// NewBatchController 创建批次控制器
func NewBatchController(client BatchAPI, config *Config) *BatchController {
	if config == nil {
		config = DefaultConfig()
	}
	return &BatchController{
		client: client,
		config: config,
	}
}

// SetAudit 设置审计存储（记录批次生命周期）
func (c *BatchController) SetAudit(a AuditStore) {
	c.audit = a
}

// SetCache 设置问答缓存（批次完成后按向量库失效）
func (c *BatchController) SetCache(cache AnswerCacheStore) {
	c.cache = cache
}

// DefaultTimeout 默认批次等待时长
func (c *BatchController) DefaultTimeout() time.Duration {
	return time.Duration(c.config.BatchTimeoutSeconds) * time.Second
}

// DefaultPollInterval 默认轮询间隔
func (c *BatchController) DefaultPollInterval() time.Duration {
	return time.Duration(c.config.PollIntervalSeconds) * time.Second
}

// Create 提交索引批次。file_ids 去重后提交，为空返回 ErrEmptyFileSet。
// chunking 为可选的分块策略，原样透传给 provider，nil 表示使用 provider 默认值。
func (c *BatchController) Create(ctx context.Context, storeID string, fileIDs []string, chunking map[string]any) (*IndexBatch, error) {
	ids := dedupeIDs(fileIDs)
	if len(ids) == 0 {
		return nil, ErrEmptyFileSet
	}

	batch, err := c.client.CreateBatch(ctx, storeID, ids, chunking)
	if err != nil {
		return nil, err
	}

	applog.Info("[KB/Batch] Batch created",
		"batch_id", batch.ID,
		"store_id", storeID,
		"files", len(ids),
		"status", batch.Status,
	)

	if c.audit != nil {
		if err := c.audit.RecordBatch(ctx, batch); err != nil {
			applog.Warn("[KB/Batch] Failed to record batch audit", "batch_id", batch.ID, "error", err)
		}
	}
	return batch, nil
}

// Poll 单次非阻塞状态读取，不含重试，轮询节奏由调用方决定
func (c *BatchController) Poll(ctx context.Context, storeID, batchID string) (*IndexBatch, error) {
	return c.client.RetrieveBatch(ctx, storeID, batchID)
}

// Wait 轮询批次直到终态或超时。
// 超时从首次调用起按墙钟计；非终态之间睡眠 pollInterval，睡眠可被 ctx 取消。
// 超时返回 *BatchTimeoutError，携带最后观测到的状态与计数。
func (c *BatchController) Wait(ctx context.Context, storeID, batchID string, timeout, pollInterval time.Duration) (BatchStatus, error) {
	if timeout <= 0 {
		timeout = c.DefaultTimeout()
	}
	if pollInterval <= 0 {
		pollInterval = c.DefaultPollInterval()
	}

	start := time.Now()

	for {
		batch, err := c.client.RetrieveBatch(ctx, storeID, batchID)
		if err != nil {
			return "", err
		}

		elapsed := time.Since(start)
		applog.Debug("[KB/Batch] Poll",
			"batch_id", batchID,
			"status", batch.Status,
			"completed", batch.Counts.Completed,
			"total", batch.Counts.Total,
			"elapsed", elapsed.Round(time.Second),
		)

		if batch.Status.Terminal() {
			c.finishBatch(ctx, batch)
			return batch.Status, nil
		}

		if elapsed >= timeout {
			return "", &BatchTimeoutError{
				BatchID:    batchID,
				Timeout:    timeout,
				LastStatus: batch.Status,
				Counts:     batch.Counts,
			}
		}

		if err := sleepCtx(ctx, pollInterval); err != nil {
			return "", err
		}
	}
}

// Cancel 请求取消批次。仅当结果状态为 cancelled 时返回 true；
// 取消落地前批次已 completed 属于 provider 固有竞态，返回 false 而非错误。
func (c *BatchController) Cancel(ctx context.Context, storeID, batchID string) (bool, error) {
	batch, err := c.client.CancelBatch(ctx, storeID, batchID)
	if err != nil {
		return false, err
	}

	cancelled := batch.Status == BatchCancelled
	if !cancelled {
		applog.Warn("[KB/Batch] Cancel did not land", "batch_id", batchID, "status", batch.Status)
	}
	if c.audit != nil {
		if err := c.audit.UpdateBatch(ctx, batch); err != nil {
			applog.Warn("[KB/Batch] Failed to update batch audit", "batch_id", batchID, "error", err)
		}
	}
	return cancelled, nil
}

// CreateAndWait Create + Wait 的组合便捷调用
func (c *BatchController) CreateAndWait(ctx context.Context, storeID string, fileIDs []string, timeout time.Duration) (BatchStatus, error) {
	batch, err := c.Create(ctx, storeID, fileIDs, nil)
	if err != nil {
		return "", err
	}
	if batch.Status.Terminal() {
		c.finishBatch(ctx, batch)
		return batch.Status, nil
	}
	return c.Wait(ctx, storeID, batch.ID, timeout, c.DefaultPollInterval())
}

// ListBatches 列出向量库的索引批次
func (c *BatchController) ListBatches(ctx context.Context, storeID string, limit int) ([]IndexBatch, error) {
	return c.client.ListBatches(ctx, storeID, limit)
}

// finishBatch 终态后的收尾：审计落库 + 缓存失效
func (c *BatchController) finishBatch(ctx context.Context, batch *IndexBatch) {
	if batch.Status == BatchCompleted && batch.Counts.Failed > 0 {
		applog.Warn("[KB/Batch] Batch completed with per-file failures",
			"batch_id", batch.ID,
			"failed", batch.Counts.Failed,
			"completed", batch.Counts.Completed,
		)
	} else {
		applog.Info("[KB/Batch] Batch reached terminal state",
			"batch_id", batch.ID,
			"status", batch.Status,
			"completed", batch.Counts.Completed,
			"total", batch.Counts.Total,
		)
	}

	if c.audit != nil {
		if err := c.audit.UpdateBatch(ctx, batch); err != nil {
			applog.Warn("[KB/Batch] Failed to update batch audit", "batch_id", batch.ID, "error", err)
		}
	}
	if c.cache != nil && batch.Status == BatchCompleted {
		c.cache.InvalidateByStore(ctx, batch.VectorStoreID)
	}
}

// sleepCtx 可取消的睡眠
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dedupeIDs 去重并保持首次出现顺序
func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
