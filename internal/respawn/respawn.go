// Package respawn rotates a context by launching a fresh controller on
// a remote execution sprite. The chain-depth guard bounds how many
// times rotations can cascade before the automatic path gives up.
package respawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	sprites "github.com/superfly/sprites-go"

	"github.com/droverhq/drover/internal/logging"
)

// ChainDepthEnv carries the rotation depth into the respawned process.
const ChainDepthEnv = "DROVER_CHAIN_DEPTH"

var (
	// ErrNotConfigured means no remote execution token is available;
	// callers fall back to the human-in-the-loop rotation path.
	ErrNotConfigured = errors.New("remote respawn not configured")

	// ErrChainDepthExhausted means the rotation chain hit its depth
	// guard. This is a clean stop, not a failure.
	ErrChainDepthExhausted = errors.New("respawn chain depth exhausted")
)

// ChainDepth reads the current rotation depth from the environment.
// A missing or malformed value counts as depth zero.
func ChainDepth() int {
	n, err := strconv.Atoi(os.Getenv(ChainDepthEnv))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// API is the remote-execution surface the respawner needs. The SDK
// implementation talks to sprites; tests substitute a mock.
type API interface {
	// CreateSprite provisions a fresh sprite with the given name.
	CreateSprite(ctx context.Context, name string) error

	// StartRun launches the controller command on the sprite without
	// waiting for it to finish.
	StartRun(ctx context.Context, name string, env []string, args ...string) error

	// SpriteReady reports whether the sprite is reachable.
	SpriteReady(ctx context.Context, name string) (bool, error)
}

// SDKClient implements API with the sprites-go SDK.
type SDKClient struct {
	client *sprites.Client
}

// NewSDKClient returns an SDK-backed API for the given token.
func NewSDKClient(token string) *SDKClient {
	return &SDKClient{client: sprites.New(token)}
}

func (c *SDKClient) CreateSprite(ctx context.Context, name string) error {
	if _, err := c.client.CreateSprite(ctx, name, nil); err != nil {
		return fmt.Errorf("failed to create sprite %s: %w", name, err)
	}
	return nil
}

func (c *SDKClient) StartRun(ctx context.Context, name string, env []string, args ...string) error {
	if len(args) == 0 {
		return errors.New("no command specified")
	}
	sprite := c.client.Sprite(name)
	cmd := sprite.CommandContext(ctx, args[0], args[1:]...)
	if len(env) > 0 {
		cmd.Env = env
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start run on sprite %s: %w", name, err)
	}
	return nil
}

func (c *SDKClient) SpriteReady(ctx context.Context, name string) (bool, error) {
	if _, err := c.client.GetSprite(ctx, name); err != nil {
		return false, nil
	}
	return true, nil
}

// Respawner delegates context rotation to a remote execution service.
type Respawner struct {
	api          API
	namePrefix   string
	maxDepth     int
	pollInterval time.Duration
	logger       *logging.Logger
}

// New builds a Respawner over the given API.
func New(api API, namePrefix string, maxDepth int, pollInterval time.Duration, logger *logging.Logger) *Respawner {
	if namePrefix == "" {
		namePrefix = "drover"
	}
	if logger == nil {
		logger = logging.New()
	}
	return &Respawner{
		api:          api,
		namePrefix:   namePrefix,
		maxDepth:     maxDepth,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// FromEnv constructs an SDK-backed Respawner, reading the API token
// from tokenEnv. Returns ErrNotConfigured when the token is absent.
func FromEnv(tokenEnv, namePrefix string, maxDepth int, pollInterval time.Duration, logger *logging.Logger) (*Respawner, error) {
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrNotConfigured, tokenEnv)
	}
	return New(NewSDKClient(token), namePrefix, maxDepth, pollInterval, logger), nil
}

// spriteName returns a fresh unique sprite name.
func (r *Respawner) spriteName() string {
	return fmt.Sprintf("%s-%s", r.namePrefix, uuid.NewString()[:8])
}

// Rotate provisions a new sprite and starts a fresh controller on it,
// passing depth+1 through the environment. It blocks until the sprite
// is reachable, polling at a fixed interval; the wait is ended only by
// ctx. Returns the sprite name on success.
func (r *Respawner) Rotate(ctx context.Context, depth int, args ...string) (string, error) {
	if depth >= r.maxDepth {
		return "", fmt.Errorf("%w: depth %d reached limit %d", ErrChainDepthExhausted, depth, r.maxDepth)
	}

	name := r.spriteName()
	r.logger.Info("creating respawn sprite", "name", name, "depth", depth+1)

	if err := r.api.CreateSprite(ctx, name); err != nil {
		return "", err
	}

	if err := r.waitReady(ctx, name); err != nil {
		return "", err
	}

	env := []string{fmt.Sprintf("%s=%d", ChainDepthEnv, depth+1)}
	if err := r.api.StartRun(ctx, name, env, args...); err != nil {
		return "", err
	}

	r.logger.Info("respawn started", "name", name)
	return name, nil
}

// waitReady polls the sprite until it is reachable or ctx ends.
func (r *Respawner) waitReady(ctx context.Context, name string) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		ready, err := r.api.SpriteReady(ctx, name)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
