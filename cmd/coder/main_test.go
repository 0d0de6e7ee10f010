package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claude-coder/pkg/config"
	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/persistence"
	"github.com/jasonkneen/claude-coder/pkg/proto"
	"github.com/jasonkneen/claude-coder/pkg/tools"
)

func TestBuildRegistryRegistersEveryTool(t *testing.T) {
	registry, err := buildRegistry(context.Background(), t.TempDir(), true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		tools.ToolReadFile,
		tools.ToolWriteToFile,
		tools.ToolListFiles,
		tools.ToolExecuteCommand,
		tools.ToolAskFollowup,
		tools.ToolAttemptCompletion,
	}, registry.Names())
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultModel, cfg.Model)

	custom := config.Default()
	custom.Model = "gpt-4o"
	require.NoError(t, config.SaveConfig(&custom, dir))
	cfg, err = loadConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.Model)

	_, err = loadConfig(dir, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("proj", "db.sqlite"), resolvePath("proj", "db.sqlite"))
	assert.Equal(t, "/abs/db.sqlite", resolvePath("proj", "/abs/db.sqlite"))
	assert.Equal(t, "", resolvePath("proj", ""))
}

func TestMetricsAddr(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "", metricsAddr(&cfg, ""))
	assert.Equal(t, ":9999", metricsAddr(&cfg, ":9999"))
	cfg.Metrics.Enabled = true
	assert.Equal(t, config.DefaultMetricsListenAddr, metricsAddr(&cfg, ""))
}

func TestTaskIDFor(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	id, err := taskIDFor(ctx, &options{task: "fix it"}, &cfg, nil)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	_, err = taskIDFor(ctx, &options{resumeID: "abc"}, &cfg, nil)
	assert.Error(t, err)

	db, err := persistence.Open(filepath.Join(t.TempDir(), "coder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	id, err = taskIDFor(ctx, &options{task: "fix it"}, &cfg, db)
	require.NoError(t, err)
	stored, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fix it", stored.Prompt)

	_, err = taskIDFor(ctx, &options{resumeID: id}, &cfg, db)
	require.NoError(t, err, "an idle task can be resumed")

	require.NoError(t, db.UpdateTaskState(ctx, id, proto.StateCompleted))
	_, err = taskIDFor(ctx, &options{resumeID: id}, &cfg, db)
	assert.ErrorContains(t, err, "cannot be resumed")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestConfigureDebugFlags(t *testing.T) {
	t.Cleanup(func() {
		logx.SetDebug(false)
		logx.SetDebugDomains(nil)
	})

	configureDebug(&options{debugDomains: "engine, stream"})
	assert.True(t, logx.IsDebugEnabled())
	assert.True(t, logx.IsDebugEnabledForDomain("stream"))
	assert.False(t, logx.IsDebugEnabledForDomain("tools"))
}
