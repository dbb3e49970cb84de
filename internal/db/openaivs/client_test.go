package openaivs_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vectorkb/internal/db/openaivs"
	"vectorkb/internal/domain/kb"
)

func newTestClient(handler http.HandlerFunc) (*openaivs.Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := openaivs.New(openaivs.Config{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
	})
	return client, srv
}

// TestUploadFile multipart 上传：purpose=assistants、认证头、beta 头
func TestUploadFile(t *testing.T) {
	var gotPurpose, gotFilename, gotAuth, gotBeta string
	var gotBytes []byte

	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/files" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		gotPurpose = r.FormValue("purpose")

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		gotFilename = header.Filename
		gotBytes, _ = io.ReadAll(file)

		json.NewEncoder(w).Encode(map[string]any{
			"id":         "file-abc",
			"filename":   header.Filename,
			"bytes":      len(gotBytes),
			"created_at": 1700000000,
		})
	})
	defer srv.Close()

	uploaded, err := client.UploadFile(context.Background(), "notes.md", strings.NewReader("# hello"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if gotPurpose != "assistants" {
		t.Errorf("expected purpose=assistants, got %q", gotPurpose)
	}
	if gotFilename != "notes.md" {
		t.Errorf("expected filename notes.md, got %q", gotFilename)
	}
	if string(gotBytes) != "# hello" {
		t.Errorf("unexpected file bytes: %q", gotBytes)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("unexpected auth header: %q", gotAuth)
	}
	if gotBeta != "assistants=v2" {
		t.Errorf("unexpected beta header: %q", gotBeta)
	}
	if uploaded.FileID != "file-abc" || uploaded.SizeBytes != 7 {
		t.Errorf("unexpected result: %+v", uploaded)
	}

	t.Logf("✅ Uploaded: %+v", uploaded)
}

// TestCreateBatch 批次创建请求体与响应解析
func TestCreateBatch(t *testing.T) {
	var gotBody map[string]any

	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vector_stores/vs_1/file_batches" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)

		json.NewEncoder(w).Encode(map[string]any{
			"id":              "vsfb_1",
			"vector_store_id": "vs_1",
			"status":          "in_progress",
			"file_counts":     map[string]int{"in_progress": 2, "total": 2},
			"created_at":      1700000000,
		})
	})
	defer srv.Close()

	batch, err := client.CreateBatch(context.Background(), "vs_1", []string{"f1", "f2"}, nil)
	if err != nil {
		t.Fatalf("create batch failed: %v", err)
	}

	ids, _ := gotBody["file_ids"].([]any)
	if len(ids) != 2 || ids[0] != "f1" || ids[1] != "f2" {
		t.Errorf("unexpected file_ids in body: %v", gotBody["file_ids"])
	}
	if _, present := gotBody["chunking_strategy"]; present {
		t.Error("nil chunking must be omitted from body")
	}
	if batch.ID != "vsfb_1" || batch.Status != kb.BatchInProgress {
		t.Errorf("unexpected batch: %+v", batch)
	}
	if batch.Counts.InProgress != 2 || batch.Counts.Total != 2 {
		t.Errorf("unexpected counts: %+v", batch.Counts)
	}
}

// TestCreateBatchWithChunking 分块策略原样透传
func TestCreateBatchWithChunking(t *testing.T) {
	var gotBody map[string]any

	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"id": "vsfb_1", "status": "queued"})
	})
	defer srv.Close()

	chunking := map[string]any{"type": "static", "static": map[string]any{"max_chunk_size_tokens": 800}}
	if _, err := client.CreateBatch(context.Background(), "vs_1", []string{"f1"}, chunking); err != nil {
		t.Fatalf("create batch failed: %v", err)
	}

	cs, _ := gotBody["chunking_strategy"].(map[string]any)
	if cs == nil || cs["type"] != "static" {
		t.Errorf("expected chunking_strategy passed through, got %v", gotBody["chunking_strategy"])
	}
}

// TestCancelBatch 取消请求走 POST .../cancel
func TestCancelBatch(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/vector_stores/vs_1/file_batches/vsfb_1/cancel" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "vsfb_1", "status": "cancelled"})
	})
	defer srv.Close()

	batch, err := client.CancelBatch(context.Background(), "vs_1", "vsfb_1")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if batch.Status != kb.BatchCancelled {
		t.Errorf("expected cancelled, got %s", batch.Status)
	}
	if batch.VectorStoreID != "vs_1" {
		t.Errorf("expected store id backfilled, got %q", batch.VectorStoreID)
	}
}

// TestSearch 检索请求体与异构命中透传
func TestSearch(t *testing.T) {
	var gotBody map[string]any

	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vector_stores/vs_1/search" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Write([]byte(`{
			"data": [
				{"file_id": "f1", "filename": "a.md", "score": 0.91, "content": [{"text": "plain"}]},
				{"file_id": "f2", "filename": "b.md", "content": [{"type": "text", "text": {"value": "nested"}}]}
			],
			"has_more": false
		}`))
	})
	defer srv.Close()

	hits, err := client.Search(context.Background(), "vs_1", "ship date", 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if gotBody["query"] != "ship date" {
		t.Errorf("unexpected query in body: %v", gotBody["query"])
	}
	if gotBody["max_num_results"] != float64(5) {
		t.Errorf("unexpected max_num_results: %v", gotBody["max_num_results"])
	}

	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Score == nil || *hits[0].Score != 0.91 {
		t.Errorf("unexpected score: %v", hits[0].Score)
	}
	if hits[1].Score != nil {
		t.Error("missing score must stay nil")
	}
	// content 分片原样透传，形态归一化不在 client 层
	if string(hits[0].Content[0]) != `{"text": "plain"}` {
		t.Errorf("content must pass through untouched: %s", hits[0].Content[0])
	}

	t.Logf("✅ Search returned %d raw hits", len(hits))
}

// TestRetrieveFileContent 文本分片拼接
func TestRetrieveFileContent(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vector_stores/vs_1/files/f1/content" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"data": [{"type": "text", "text": "first"}, {"type": "text", "text": "  "}, {"type": "text", "text": "second"}]}`))
	})
	defer srv.Close()

	content, err := client.RetrieveFileContent(context.Background(), "vs_1", "f1")
	if err != nil {
		t.Fatalf("retrieve content failed: %v", err)
	}
	if content != "first\nsecond" {
		t.Errorf("unexpected content: %q", content)
	}
}

// TestProviderErrorMapping 非 2xx 映射为 ProviderError 并保留上游诊断
func TestProviderErrorMapping(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"message": "No vector store found"}}`))
	})
	defer srv.Close()

	_, err := client.RetrieveVectorStore(context.Background(), "vs_missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !kb.IsNotFound(err) {
		t.Fatalf("expected not-found classification, got %v", err)
	}

	if !strings.Contains(err.Error(), "No vector store found") {
		t.Errorf("upstream diagnostics must survive: %v", err)
	}

	t.Logf("✅ 404 mapped: %v", err)
}

// TestDeleteVectorStore 删除确认解析
func TestDeleteVectorStore(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "vs_1", "deleted": true})
	})
	defer srv.Close()

	deleted, err := client.DeleteVectorStore(context.Background(), "vs_1")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted {
		t.Error("expected deleted=true")
	}
}

// TestListVectorStoresLimit limit 透传为查询参数
func TestListVectorStoresLimit(t *testing.T) {
	var gotQuery string
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"data": [{"id": "vs_1", "name": "kb", "status": "completed", "created_at": 1700000000}]}`))
	})
	defer srv.Close()

	stores, err := client.ListVectorStores(context.Background(), 20)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if gotQuery != "limit=20" {
		t.Errorf("expected limit query, got %q", gotQuery)
	}
	if len(stores) != 1 || stores[0].Name != "kb" {
		t.Errorf("unexpected stores: %+v", stores)
	}
}
