// Package config resolves the runtime configuration and on-disk workspace
// layout shared by every Harness component: the CLI, the gateway daemon,
// and the stream client.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dcosson-labs/harness/internal/atomicfile"
)

// UserConfig holds the optional ~/.harness/config.yaml settings. Most
// installs never create this file; every field has a workable zero value.
type UserConfig struct {
	DefaultHost              string        `yaml:"default_host"`
	DefaultPort              int           `yaml:"default_port"`
	ConnectRetryWindow       time.Duration `yaml:"connect_retry_window"`
	ConnectRetryDelay        time.Duration `yaml:"connect_retry_delay"`
	BacklogBudgetBytes       int           `yaml:"backlog_budget_bytes"`
	CloseLiveSessionsOnStop  bool          `yaml:"close_live_sessions_on_client_stop"`
}

// ConfigDir returns the Harness configuration root (~/.harness/, or
// $XDG_CONFIG_HOME/harness when set).
func ConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "harness")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".harness")
}

// Load reads ~/.harness/config.yaml. A missing file is not an error; it
// yields a UserConfig with every field at its zero value.
func Load() (*UserConfig, error) {
	return LoadFrom(filepath.Join(ConfigDir(), "config.yaml"))
}

// LoadFrom reads a UserConfig from an explicit path, for tests.
func LoadFrom(path string) (*UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &UserConfig{}, nil
		}
		return nil, err
	}
	var cfg UserConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// RuntimeConfig is the fully resolved configuration for one invocation:
// user config defaults merged with environment variables and CLI flags.
// It is resolved once per invocation (in the root command's
// PersistentPreRunE) and passed by value from then on so that
// no component reads the environment again mid-run (see DESIGN.md's note
// on eliminating global mutable process state).
type RuntimeConfig struct {
	WorkspaceRoot      string // absolute, normalized invocation directory
	SessionName        string // "" for the default (unnamed) gateway
	Host               string
	Port               int
	AuthToken          string
	StateDBPath        string
	ConnectRetryWindow time.Duration
	ConnectRetryDelay  time.Duration
	BacklogBudgetBytes int
}

const (
	defaultHost               = "127.0.0.1"
	defaultConnectRetryWindow = 6 * time.Second
	defaultConnectRetryDelay  = 40 * time.Millisecond
	defaultBacklogBudgetBytes = 1 << 20 // 1 MiB
)

// Resolve builds a RuntimeConfig from the user config file, environment
// variables, and the invocation's working directory. sessionName must
// already be validated with ValidateSessionName.
func Resolve(cwd, sessionName string) (RuntimeConfig, error) {
	root, err := filepath.Abs(cwd)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("resolve workspace root: %w", err)
	}
	if invoke := os.Getenv("HARNESS_INVOKE_CWD"); invoke != "" {
		if a, err := filepath.Abs(invoke); err == nil {
			root = a
		}
	}
	if sessionName == "" {
		sessionName = os.Getenv("HARNESS_SESSION_NAME")
	}

	uc, err := Load()
	if err != nil {
		return RuntimeConfig{}, err
	}

	rc := RuntimeConfig{
		WorkspaceRoot:      filepath.Clean(root),
		SessionName:        sessionName,
		Host:               firstNonEmpty(os.Getenv("HARNESS_CONTROL_PLANE_HOST"), uc.DefaultHost, defaultHost),
		Port:               uc.DefaultPort,
		AuthToken:          os.Getenv("HARNESS_CONTROL_PLANE_AUTH_TOKEN"),
		ConnectRetryWindow: durationOr(os.Getenv("HARNESS_CONTROL_PLANE_CONNECT_RETRY_WINDOW_MS"), uc.ConnectRetryWindow, defaultConnectRetryWindow),
		ConnectRetryDelay:  durationOr(os.Getenv("HARNESS_CONTROL_PLANE_CONNECT_RETRY_DELAY_MS"), uc.ConnectRetryDelay, defaultConnectRetryDelay),
		BacklogBudgetBytes: intOr(uc.BacklogBudgetBytes, defaultBacklogBudgetBytes),
	}
	if p := os.Getenv("HARNESS_CONTROL_PLANE_PORT"); p != "" {
		fmt.Sscanf(p, "%d", &rc.Port)
	}
	if db := os.Getenv("HARNESS_CONTROL_PLANE_DB_PATH"); db != "" {
		rc.StateDBPath = db
	} else {
		rc.StateDBPath = filepath.Join(WorkspaceDir(rc.WorkspaceRoot, rc.SessionName), "control-plane.sqlite")
	}
	return rc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOr(envMs string, configured, fallback time.Duration) time.Duration {
	if envMs != "" {
		var ms int64
		if _, err := fmt.Sscanf(envMs, "%d", &ms); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if configured > 0 {
		return configured
	}
	return fallback
}

var sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateSessionName checks the --session flag against the allowed
// alphabet before any filesystem path is touched.
func ValidateSessionName(name string) error {
	if name == "" {
		return nil
	}
	if !sessionNameRe.MatchString(name) {
		return fmt.Errorf("invalid --session name %q: must match %s", name, sessionNameRe.String())
	}
	return nil
}

// WorkspaceHash derives the 12-character hex fingerprint used in the
// workspace directory name, from the absolute workspace path.
func WorkspaceHash(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(sum[:])[:12]
}

var basenameSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeBasename(path string) string {
	base := filepath.Base(path)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "workspace"
	}
	base = basenameSanitizeRe.ReplaceAllString(base, "-")
	if base == "" {
		base = "workspace"
	}
	return base
}

// WorkspaceDir returns the runtime root for one workspace:
// <config-root>/workspaces/<sanitized-basename>-<hash12>/[sessions/<name>/]
func WorkspaceDir(absWorkspacePath, sessionName string) string {
	dir := filepath.Join(ConfigDir(), "workspaces", fmt.Sprintf("%s-%s", sanitizeBasename(absWorkspacePath), WorkspaceHash(absWorkspacePath)))
	if sessionName != "" {
		dir = filepath.Join(dir, "sessions", sessionName)
	}
	return dir
}

// GatewayRecordPath, LogPath, LockPath, and SessionMetaPath locate the
// per-workspace files that live alongside the state database within
// WorkspaceDir.
func GatewayRecordPath(workspaceDir string) string { return filepath.Join(workspaceDir, "gateway.json") }
func LogPath(workspaceDir string) string           { return filepath.Join(workspaceDir, "gateway.log") }
func LockPath(workspaceDir string) string          { return filepath.Join(workspaceDir, "gateway.lock") }
func SessionMetaPath(workspaceDir string) string {
	return filepath.Join(workspaceDir, "session-meta.json")
}

// SessionMeta is the atomic sidecar `gateway status` falls back to reading
// when the gateway isn't reachable over the wire protocol — last-known
// session counts, written by the running daemon whenever its session set
// changes, so a crashed or hung daemon still leaves behind a plausible
// status rather than reporting nothing.
type SessionMeta struct {
	UpdatedAt    time.Time `json:"updatedAt"`
	PID          int       `json:"pid"`
	SessionCount int       `json:"sessionCount"`
	LiveCount    int       `json:"liveCount"`
}

// WriteSessionMeta atomically replaces the sidecar at SessionMetaPath.
func WriteSessionMeta(workspaceDir string, meta SessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	return atomicfile.Write(SessionMetaPath(workspaceDir), data, 0o600)
}

// ReadSessionMeta reads the sidecar at SessionMetaPath. A missing file is
// not an error; it returns a zero SessionMeta and ok=false.
func ReadSessionMeta(workspaceDir string) (meta SessionMeta, ok bool, err error) {
	data, err := os.ReadFile(SessionMetaPath(workspaceDir))
	if err != nil {
		if os.IsNotExist(err) {
			return SessionMeta{}, false, nil
		}
		return SessionMeta{}, false, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMeta{}, false, fmt.Errorf("parse session meta: %w", err)
	}
	return meta, true, nil
}

// PTYHelperPath and ScriptsDir locate the two remaining workspace-scoped
// install locations orphan cleanup matches process argv against
// (spec §4.1 orphan classes 3 and 4).
func PTYHelperPath(workspaceDir string) string { return filepath.Join(workspaceDir, "bin", "ptyhelper") }
func ScriptsDir(workspaceDir string) string    { return filepath.Join(workspaceDir, "scripts") }

// EnsureWorkspaceDir creates the workspace runtime directory if absent.
func EnsureWorkspaceDir(workspaceDir string) error {
	return os.MkdirAll(workspaceDir, 0o700)
}
