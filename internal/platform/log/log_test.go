package applog_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	applog "vectorkb/internal/platform/log"
)

// TestInitLevelFiltering warn 级别下 info 被过滤，warn 正常输出
func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	applog.Init(applog.Config{Level: "warn", Format: "json", Output: &buf})

	applog.Info("should be filtered")
	applog.Warn("cache miss", "store_id", "vs_1")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Errorf("info line must be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "cache miss") {
		t.Fatalf("warn line missing: %s", out)
	}

	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("output is not a JSON line: %v (%s)", err, out)
	}
	if line["store_id"] != "vs_1" {
		t.Errorf("structured field lost: %v", line)
	}

	t.Logf("✅ Log line: %s", strings.TrimSpace(out))
}

// TestInitTextFormat text 格式走 console 编码
func TestInitTextFormat(t *testing.T) {
	var buf bytes.Buffer
	applog.Init(applog.Config{Level: "info", Format: "text", Output: &buf})

	applog.Infof("indexed %d files", 3)

	if !strings.Contains(buf.String(), "indexed 3 files") {
		t.Errorf("formatted message missing: %s", buf.String())
	}
}

// TestWithFields With 附加的默认字段出现在每条日志里
func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	applog.Init(applog.Config{Level: "info", Format: "json", Output: &buf})

	logger := applog.With("component", "batch")
	logger.Info("poll tick")

	if !strings.Contains(buf.String(), `"component"`) || !strings.Contains(buf.String(), `"batch"`) {
		t.Errorf("default field missing: %s", buf.String())
	}
}

// TestSync Sync 对内存输出不报错且可重复调用
func TestSync(t *testing.T) {
	var buf bytes.Buffer
	applog.Init(applog.Config{Level: "info", Format: "json", Output: &buf})

	applog.Info("before sync")
	applog.Sync()
	applog.Sync()

	if !strings.Contains(buf.String(), "before sync") {
		t.Errorf("log line lost after sync: %s", buf.String())
	}
}
