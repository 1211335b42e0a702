package respawn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	created     []string
	started     []string
	startedEnv  [][]string
	startedArgs [][]string
	readyAfter  int
	readyPolls  int
	createErr   error
	startErr    error
}

func (m *mockAPI) CreateSprite(ctx context.Context, name string) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, name)
	return nil
}

func (m *mockAPI) StartRun(ctx context.Context, name string, env []string, args ...string) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, name)
	m.startedEnv = append(m.startedEnv, env)
	m.startedArgs = append(m.startedArgs, args)
	return nil
}

func (m *mockAPI) SpriteReady(ctx context.Context, name string) (bool, error) {
	m.readyPolls++
	return m.readyPolls > m.readyAfter, nil
}

func TestRotate(t *testing.T) {
	api := &mockAPI{}
	r := New(api, "drover", 10, time.Millisecond, nil)

	name, err := r.Rotate(context.Background(), 0, "drover", "run", "--yes")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(name, "drover-"))
	require.Len(t, api.created, 1)
	require.Len(t, api.started, 1)
	assert.Equal(t, name, api.started[0])
	assert.Equal(t, []string{"drover", "run", "--yes"}, api.startedArgs[0])
	assert.Equal(t, []string{"DROVER_CHAIN_DEPTH=1"}, api.startedEnv[0])
}

func TestRotatePollsUntilReady(t *testing.T) {
	api := &mockAPI{readyAfter: 3}
	r := New(api, "drover", 10, time.Millisecond, nil)

	_, err := r.Rotate(context.Background(), 2, "drover", "run")
	require.NoError(t, err)
	assert.Equal(t, 4, api.readyPolls)
	assert.Equal(t, []string{"DROVER_CHAIN_DEPTH=3"}, api.startedEnv[0])
}

func TestRotateChainDepthGuard(t *testing.T) {
	api := &mockAPI{}
	r := New(api, "drover", 10, time.Millisecond, nil)

	_, err := r.Rotate(context.Background(), 10, "drover", "run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainDepthExhausted)
	assert.Empty(t, api.created, "no sprite provisioned once the guard trips")
}

func TestRotateCreateFailure(t *testing.T) {
	api := &mockAPI{createErr: assert.AnError}
	r := New(api, "drover", 10, time.Millisecond, nil)

	_, err := r.Rotate(context.Background(), 0, "drover", "run")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrChainDepthExhausted, "provisioning failures fall back locally, they are not hard stops")
}

func TestRotateStartFailure(t *testing.T) {
	api := &mockAPI{startErr: assert.AnError}
	r := New(api, "drover", 10, time.Millisecond, nil)

	_, err := r.Rotate(context.Background(), 0, "drover", "run")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRotateCancelled(t *testing.T) {
	api := &mockAPI{readyAfter: 1 << 30}
	r := New(api, "drover", 10, time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Rotate(ctx, 0, "drover", "run")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFromEnvMissingToken(t *testing.T) {
	t.Setenv("DROVER_TEST_TOKEN", "")

	_, err := FromEnv("DROVER_TEST_TOKEN", "drover", 10, time.Second, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFromEnvWithToken(t *testing.T) {
	t.Setenv("DROVER_TEST_TOKEN", "tok")

	r, err := FromEnv("DROVER_TEST_TOKEN", "", 10, time.Second, nil)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestChainDepth(t *testing.T) {
	t.Setenv(ChainDepthEnv, "")
	assert.Equal(t, 0, ChainDepth())

	t.Setenv(ChainDepthEnv, "4")
	assert.Equal(t, 4, ChainDepth())

	t.Setenv(ChainDepthEnv, "junk")
	assert.Equal(t, 0, ChainDepth())

	t.Setenv(ChainDepthEnv, "-2")
	assert.Equal(t, 0, ChainDepth())
}
