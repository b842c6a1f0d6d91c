// 配置热重载相关测试。
package config

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDetectChanges(t *testing.T) {
	oldCfg := validConfig()
	newCfg := validConfig()
	newCfg.Safety.EmergencyThreshold = 50
	newCfg.Augment.VariationTypes = map[string]int{"casual": 5}
	newCfg.BatchSize = 99

	changes := detectChanges(oldCfg, newCfg, "manual")
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	assert.Equal(t, []string{"Augment.VariationTypes", "BatchSize", "Safety.EmergencyThreshold"}, paths)

	for _, c := range changes {
		assert.Equal(t, "manual", c.Source)
		assert.Equal(t, c.Path != "Safety.EmergencyThreshold", c.RequiresRestart, c.Path)
	}
}

func TestDetectChanges_NoDiff(t *testing.T) {
	assert.Empty(t, detectChanges(validConfig(), validConfig(), "file"))
}

func TestNewCredentials(t *testing.T) {
	oldCfg := validConfig()
	oldCfg.Providers[0].Credentials = []string{"a", "b"}
	newCfg := validConfig()
	newCfg.Providers[0].Credentials = []string{"b", "c", "c"}
	newCfg.Providers = append(newCfg.Providers, ProviderConfig{
		Name: "q", Kind: "fake", Model: "m", Credentials: []string{"a"},
	})

	added := NewCredentials(oldCfg, newCfg)
	assert.Equal(t, []ProviderKey{
		{Provider: "p", Secret: "c"},
		{Provider: "q", Secret: "a"},
	}, added)
}

func TestHotReloadManager_ApplyConfig(t *testing.T) {
	m := NewHotReloadManager(validConfig(), WithHotReloadLogger(zaptest.NewLogger(t)))

	var got []ConfigChange
	m.OnReload(func(oldConfig, newConfig *Config, changes []ConfigChange) {
		got = changes
		assert.Equal(t, 0, oldConfig.ProcessLimit)
		assert.Equal(t, 12, newConfig.ProcessLimit)
	})

	next := validConfig()
	next.ProcessLimit = 12
	require.NoError(t, m.ApplyConfig(next, "manual"))

	require.Len(t, got, 1)
	assert.Equal(t, "ProcessLimit", got[0].Path)
	assert.Equal(t, 1, m.GetCurrentVersion())
	assert.Equal(t, 12, m.GetConfig().ProcessLimit)
	assert.Len(t, m.GetChangeLog(0), 1)

	// 相同配置不会产生新版本
	require.NoError(t, m.ApplyConfig(next, "manual"))
	assert.Equal(t, 1, m.GetCurrentVersion())
}

func TestHotReloadManager_RejectsInvalid(t *testing.T) {
	m := NewHotReloadManager(validConfig())
	bad := validConfig()
	bad.BatchSize = 0

	require.Error(t, m.ApplyConfig(bad, "manual"))
	assert.Equal(t, 10, m.GetConfig().BatchSize)
	assert.Zero(t, m.GetCurrentVersion())
}

func TestHotReloadManager_CallbackPanicRecovered(t *testing.T) {
	m := NewHotReloadManager(validConfig())
	m.OnReload(func(_, _ *Config, _ []ConfigChange) { panic("boom") })

	next := validConfig()
	next.ProgressEvery = 2
	assert.NotPanics(t, func() { _ = m.ApplyConfig(next, "manual") })
	assert.Equal(t, 2, m.GetConfig().ProgressEvery)
}

func TestHotReloadManager_WatchesFile(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	initial, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	m := NewHotReloadManager(initial,
		WithConfigPath(path),
		WithReloadPollInterval(20*time.Millisecond),
		WithHotReloadLogger(zaptest.NewLogger(t)),
	)

	var reloads atomic.Int32
	var added atomic.Value
	m.OnReload(func(oldConfig, newConfig *Config, _ []ConfigChange) {
		added.Store(NewCredentials(oldConfig, newConfig))
		reloads.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop() }()
	require.Error(t, m.Start(ctx))

	updated := strings.Replace(sampleYAML, `credentials: ["k1", "${QAFORGE_TEST_KEY}", "  "]`,
		`credentials: ["k1", "k9"]`, 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []ProviderKey{{Provider: "gemini", Secret: "k9"}}, added.Load())
}

func TestHotReloadManager_StartWithoutPath(t *testing.T) {
	m := NewHotReloadManager(validConfig())
	require.Error(t, m.Start(context.Background()))
	require.Error(t, m.ReloadFromFile())
	require.NoError(t, m.Stop())
}
