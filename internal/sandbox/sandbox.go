// Package sandbox describes the optional Docker-based execution sandbox
// configuration surfaced through the config file. The coding-agent
// subprocess invoked by internal/agentinvoker runs unsandboxed; these
// types exist for config.Config.ToSandboxConfig and deployments that
// layer their own isolation on top.
package sandbox

// Mode selects which tool calls run inside the sandbox.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeNonMain Mode = "non-main"
	ModeAll     Mode = "all"
)

// Access controls the sandbox container's view of the agent workspace.
type Access string

const (
	AccessNone Access = "none"
	AccessRO   Access = "ro"
	AccessRW   Access = "rw"
)

// Scope controls sandbox container lifetime/sharing.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeAgent   Scope = "agent"
	ScopeShared  Scope = "shared"
)

// Config describes one sandbox's resource limits and mount policy.
type Config struct {
	Mode            Mode
	Image           string
	WorkspaceAccess Access
	Scope           Scope
	MemoryMB        int
	CPUs            float64
	TimeoutSec      int
	NetworkEnabled  bool
	ReadOnlyRoot    bool
	SetupCommand    string
	Env             map[string]string

	User           string
	TmpfsSizeMB    int
	MaxOutputBytes int

	IdleHours        int
	MaxAgeDays       int
	PruneIntervalMin int
}

// DefaultConfig returns the conservative default: sandboxing off, and the
// limits that would apply if a caller later enables it.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeOff,
		Image:           "dowhiz-sandbox:bookworm-slim",
		WorkspaceAccess: AccessRW,
		Scope:           ScopeSession,
		MemoryMB:        512,
		CPUs:            1.0,
		TimeoutSec:      300,
		ReadOnlyRoot:    true,
		MaxOutputBytes:  1 << 20,
		IdleHours:       24,
		MaxAgeDays:      7,
		PruneIntervalMin: 5,
	}
}
