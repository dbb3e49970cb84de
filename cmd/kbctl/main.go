package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"vectorkb/internal/adapter/provider/llm/openai"
	"vectorkb/internal/db/openaivs"
	"vectorkb/internal/domain/kb"
	applog "vectorkb/internal/platform/log"
)

// kbctl 知识库命令行工具：建库、上传、索引、检索、问答。
// 凭证取自 OPENAI_API_KEY，当前向量库持久化在 ~/.kbctl.json。

var (
	flagStore string
	flagModel string
	flagName  string
	flagLimit int
	flagJSON  bool
	flagWait  int
)

var rootCmd = &cobra.Command{
	Use:   "kbctl",
	Short: "Knowledge base CLI",
	Long: `kbctl manages an externally hosted vector knowledge base:
upload documents, build the index, search it, and ask questions against it.`,
	SilenceUsage: true,
}

var setupCmd = &cobra.Command{
	Use:   "setup [files...]",
	Short: "Create a vector store, upload documents and build the index",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSetup,
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question against the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vector store status and recent index batches",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	setupCmd.Flags().StringVar(&flagName, "name", "knowledge-base", "vector store name")
	setupCmd.Flags().IntVar(&flagWait, "wait", 0, "indexing wait timeout in seconds (0 = default)")

	searchCmd.Flags().StringVar(&flagStore, "store", "", "vector store ID (default: last used)")
	searchCmd.Flags().IntVarP(&flagLimit, "limit", "n", 0, "maximum number of results")
	searchCmd.Flags().BoolVar(&flagJSON, "json", false, "output results as JSON")

	askCmd.Flags().StringVar(&flagStore, "store", "", "vector store ID (default: last used)")
	askCmd.Flags().StringVar(&flagModel, "model", "", "generation model override")

	statusCmd.Flags().StringVar(&flagStore, "store", "", "vector store ID (default: last used)")

	rootCmd.AddCommand(setupCmd, searchCmd, askCmd, statusCmd)
}

func main() {
	godotenv.Load()
	applog.Init(applog.Config{Level: "warn", Format: "text"})

	err := rootCmd.Execute()
	applog.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// ── 本地状态 ─────────────────────────────────────────────────

// localState 持久化在用户目录，记录最近一次使用的向量库
type localState struct {
	VectorStoreID string `json:"vector_store_id"`
	Model         string `json:"model,omitempty"`
}

func statePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kbctl.json"
	}
	return filepath.Join(home, ".kbctl.json")
}

func loadState() *localState {
	st := &localState{}
	data, err := os.ReadFile(statePath())
	if err != nil {
		return st
	}
	json.Unmarshal(data, st)
	return st
}

func saveState(st *localState) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(statePath(), data, 0o600)
}

// resolveStore flag 优先，其次本地状态
func resolveStore() (string, error) {
	if flagStore != "" {
		return flagStore, nil
	}
	if st := loadState(); st.VectorStoreID != "" {
		return st.VectorStoreID, nil
	}
	return "", fmt.Errorf("no vector store selected: run 'kbctl setup' first or pass --store")
}

// ── 组件装配 ─────────────────────────────────────────────────

type toolkit struct {
	client    *openaivs.Client
	config    *kb.Config
	registry  *kb.FileRegistry
	probes    *kb.ProbeRegistry
	batches   *kb.BatchController
	retrieval *kb.RetrievalPipeline
	assistant *kb.Assistant
}

func newToolkit() (*toolkit, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}

	cfg := kb.LoadConfigFromEnv()
	client := openaivs.New(openaivs.Config{
		APIKey:  apiKey,
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	})
	llm := openai.New(openai.Config{
		APIKey:  apiKey,
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	})

	retrieval := kb.NewRetrievalPipeline(client, cfg)
	return &toolkit{
		client:    client,
		config:    cfg,
		registry:  kb.NewFileRegistry(),
		probes:    kb.NewProbeRegistry(),
		batches:   kb.NewBatchController(client, cfg),
		retrieval: retrieval,
		assistant: kb.NewAssistant(retrieval, llm, cfg),
	}, nil
}

// ── 命令实现 ─────────────────────────────────────────────────

func runSetup(cmd *cobra.Command, args []string) error {
	tk, err := newToolkit()
	if err != nil {
		return err
	}
	ctx := context.Background()

	// 1. 本地探测 + 上传
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}

		filename := filepath.Base(path)
		if prober, err := tk.probes.Get(filename); err == nil {
			probe, perr := prober.Probe(f, filename)
			f.Close()
			if perr != nil {
				return fmt.Errorf("validate %s: %w", path, perr)
			}
			cmd.Printf("  %s: %s, %d chars\n", filename, probe.Format, probe.CharCount)
			f, err = os.Open(path)
			if err != nil {
				return fmt.Errorf("reopen %s: %w", path, err)
			}
		}

		uploaded, err := tk.client.UploadFile(ctx, filename, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		tk.registry.Record(uploaded.FileID, filename, uploaded.SizeBytes)
		cmd.Printf("✅ Uploaded %s (%s)\n", filename, uploaded.FileID)
	}

	// 2. 建库（同名库直接复用）
	store, created, err := kb.GetOrCreateVectorStore(ctx, tk.client, flagName)
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	if created {
		cmd.Printf("✅ Vector store created: %s (%s)\n", store.Name, store.ID)
	} else {
		cmd.Printf("✅ Reusing vector store: %s (%s)\n", store.Name, store.ID)
	}

	// 3. 提交批次并等待终态
	timeout := time.Duration(flagWait) * time.Second
	start := time.Now()
	status, err := tk.batches.CreateAndWait(ctx, store.ID, tk.registry.AllFileIDs(), timeout)
	if err != nil {
		return fmt.Errorf("index files: %w", err)
	}
	cmd.Printf("✅ Indexing %s in %s\n", status, time.Since(start).Round(time.Second))

	saveState(&localState{VectorStoreID: store.ID})
	cmd.Printf("Saved as current vector store (%s)\n", statePath())
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	tk, err := newToolkit()
	if err != nil {
		return err
	}
	storeID, err := resolveStore()
	if err != nil {
		return err
	}

	set, err := tk.retrieval.Search(context.Background(), storeID, args[0], flagLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if flagJSON {
		data, err := json.MarshalIndent(set, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	if len(set.Hits) == 0 {
		cmd.Println("No results found.")
		return nil
	}

	for i, hit := range set.Hits {
		score := 0.0
		if hit.Score != nil {
			score = *hit.Score
		}
		cmd.Printf("  [%d] %s (%.2f)\n", i+1, hit.Filename, score)
		cmd.Printf("      %s\n\n", snippet(hit.Text, 160))
	}
	if set.Skipped > 0 {
		cmd.Printf("(%d hits skipped: no extractable text)\n", set.Skipped)
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	tk, err := newToolkit()
	if err != nil {
		return err
	}
	storeID, err := resolveStore()
	if err != nil {
		return err
	}

	model := flagModel
	if model == "" {
		model = loadState().Model
	}

	ans, err := tk.assistant.Answer(context.Background(), storeID, args[0], nil, &kb.AnswerOptions{Model: model})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	cmd.Println(ans.Answer)
	if len(ans.Sources) > 0 {
		cmd.Println("\nSources:")
		for _, src := range ans.Sources {
			cmd.Printf("  - %s\n", src)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	tk, err := newToolkit()
	if err != nil {
		return err
	}
	storeID, err := resolveStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := tk.client.RetrieveVectorStore(ctx, storeID)
	if err != nil {
		return fmt.Errorf("get vector store: %w", err)
	}
	cmd.Printf("Vector store %s (%s)\n", store.Name, store.ID)
	cmd.Printf("  status: %s\n", store.Status)
	cmd.Printf("  files:  %d completed, %d in progress, %d failed\n",
		store.Counts.Completed, store.Counts.InProgress, store.Counts.Failed)

	batches, err := tk.batches.ListBatches(ctx, storeID, 10)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}
	if len(batches) > 0 {
		cmd.Println("\nRecent batches:")
		for _, b := range batches {
			cmd.Printf("  %s  %-12s %d/%d files\n", b.ID, b.Status, b.Counts.Completed, b.Counts.Total)
		}
	}
	return nil
}

// snippet 截断展示文本，回退到 UTF-8 字符边界
func snippet(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + "..."
}
