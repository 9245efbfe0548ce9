package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panopticon/internal/config"
	"panopticon/internal/coordinator"
	"panopticon/internal/decompose"
	"panopticon/internal/domain"
	"panopticon/internal/events"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Decomposer.Provider = "static"
	a, err := New(context.Background(), Options{Workspace: t.TempDir(), Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func TestNewWiresDurableSide(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	s, err := a.Coordinator.Create(ctx, coordinator.CreateOptions{Prompt: "find flights; find hotels", AgentCount: 2, OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPendingApproval, s.Status)

	// no worker command configured
	_, err = a.Coordinator.Approve(ctx, s.ID, coordinator.ApproveOptions{ActorID: "alice"})
	assert.ErrorIs(t, err, domain.ErrProvisioning)

	require.Eventually(t, func() bool {
		got, err := a.Repo.GetSession(ctx, s.ID)
		return err == nil && got.Status == domain.SessionFailed && len(got.Tasks) == 2
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		evts, err := a.Repo.LatestEvents(ctx, 10, s.ID, events.JournalSessionApproved)
		return err == nil && len(evts) == 1
	}, 5*time.Second, 20*time.Millisecond)

	h, err := events.Default()
	require.NoError(t, err)
	assert.Same(t, h, a.Hub)
	assert.Nil(t, a.Presigner)
}

func TestNewDecomposer(t *testing.T) {
	cfg := config.Default()
	cfg.Decomposer.Provider = "static"
	d, err := NewDecomposer(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, decompose.Static{}, d)

	cfg.Decomposer.Provider = "oracle"
	_, err = NewDecomposer(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "session_id", "s1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"session_id":"s1"`)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PANOPTICON_JWT_SECRET", "from-env")
	cfg, err := LoadConfig(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}
