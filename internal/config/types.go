package config

// Limits defines operational boundaries for a drover run.
type Limits struct {
	// MaxIterationsPerTask is the iteration ceiling for a single task
	// before it is treated as implicitly stalled.
	MaxIterationsPerTask int `yaml:"max_iterations_per_task"`
	// MaxPasses is the pass ceiling after which a task is excluded from
	// the workable set.
	MaxPasses int `yaml:"max_passes"`
	// PollIntervalSeconds is how long the controller sleeps between
	// queue checks when no workable task exists.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// ContextCeilingUnits is the estimated-consumption ceiling for one
	// worker execution context.
	ContextCeilingUnits int `yaml:"context_ceiling_units"`
}

// Worker configures the external coding-agent process.
type Worker struct {
	// Command is the worker binary invoked once per iteration.
	Command string `yaml:"command"`
	// Model is passed through to the worker opaquely.
	Model string `yaml:"model"`
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// Remote configures the automatic fresh-context respawn path.
type Remote struct {
	Enabled bool `yaml:"enabled"`
	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `yaml:"token_env"`
	// NamePrefix prefixes remote execution context names.
	NamePrefix string `yaml:"name_prefix"`
	// MaxChainDepth bounds consecutive automatic respawns.
	MaxChainDepth int `yaml:"max_chain_depth"`
	// PollIntervalSeconds is the status-poll cadence while waiting for a
	// respawned context to come up.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// Monitor configures the optional observation server.
type Monitor struct {
	// Port is the listen port; 0 disables the server.
	Port int `yaml:"port"`
}

// Git configures checkpointing behaviour. BranchIsolation and AutoPR are
// advisory feature flags surfaced to the worker payload, not consulted by
// the loop's decision logic.
type Git struct {
	BranchIsolation bool `yaml:"branch_isolation"`
	AutoPR          bool `yaml:"auto_pr"`
}

// Config represents the .drover/config.yaml file.
type Config struct {
	Worker  Worker  `yaml:"worker"`
	Limits  Limits  `yaml:"limits"`
	Remote  Remote  `yaml:"remote"`
	Monitor Monitor `yaml:"monitor"`
	Git     Git     `yaml:"git"`
	// VerifyCommand, when set, gates full-completion claims; a non-zero
	// exit rejects the claim.
	VerifyCommand string `yaml:"verify_command,omitempty"`
	LogLevel      string `yaml:"log_level"`
}
