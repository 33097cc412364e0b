package runlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/runlog/internal/config"
)

func TestLocalStatus(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	c := newTestClient(t, "", base, config.ModeOffline)

	empty, err := LocalStatus(c.Root())
	require.NoError(t, err)
	assert.Empty(t, empty)

	s, err := c.InitRun(ctx, RunOptions{Project: "vision"})
	require.NoError(t, err)
	require.NoError(t, s.Assign("a", 1))
	require.NoError(t, s.Assign("b", 2))

	st, err := LocalStatus(c.Root())
	require.NoError(t, err)
	require.Len(t, st, 1)
	require.Len(t, st[0].Attempts, 1)
	a := st[0].Attempts[0]
	assert.False(t, st[0].Registered)
	assert.Equal(t, config.ModeOffline, st[0].Mode)
	assert.Equal(t, uint64(2), a.Pending)
	assert.True(t, a.Locked)
	assert.Equal(t, "draining", a.State())
	assert.False(t, a.Started.IsZero())

	require.NoError(t, s.Stop(ctx))
	st, err = LocalStatus(c.Root())
	require.NoError(t, err)
	assert.Equal(t, "pending", st[0].Attempts[0].State())
	assert.Equal(t, uint64(2), st[0].Pending())
}

func TestDescribe(t *testing.T) {
	b := startBackend(t)
	ctx := testCtx(t)
	c := newTestClient(t, b.URL, t.TempDir(), config.ModeSync)

	s, err := c.InitRun(ctx, RunOptions{Project: "vision"})
	require.NoError(t, err)
	require.NoError(t, s.Assign("params", map[string]any{"lr": 0.5, "name": "resnet"}))
	require.NoError(t, s.Stop(ctx))

	d, err := c.Describe(ctx, "vision", "VISION-1")
	require.NoError(t, err)
	assert.Equal(t, "team/vision/VISION-1", d.QualifiedID)
	require.Len(t, d.Attributes, 2)
	assert.Equal(t, "params/lr", d.Attributes[0].Path)
	assert.Equal(t, 0.5, d.Attributes[0].Value)

	proj, err := c.Describe(ctx, "vision", "")
	require.NoError(t, err)
	assert.Equal(t, "project", proj.Kind)
	assert.Empty(t, proj.Attributes)
}
