package kb

import (
	"context"

	applog "vectorkb/internal/platform/log"
)

// GetOrCreateVectorStore 按名称复用已有向量库，没有同名库时新建。
// 第二个返回值表示是否新建。同名多库时取列表中的第一个。
func GetOrCreateVectorStore(ctx context.Context, api StoreAPI, name string) (*VectorStore, bool, error) {
	stores, err := api.ListVectorStores(ctx, 0)
	if err != nil {
		return nil, false, err
	}
	for i := range stores {
		if stores[i].Name == name {
			applog.Info("[KB/Store] Reusing existing vector store", "store_id", stores[i].ID, "name", name)
			return &stores[i], false, nil
		}
	}

	store, err := api.CreateVectorStore(ctx, name)
	if err != nil {
		return nil, false, err
	}
	applog.Info("[KB/Store] Vector store created", "store_id", store.ID, "name", name)
	return store, true, nil
}
