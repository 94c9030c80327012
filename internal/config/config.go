// Package config provides the core's host-visible keyed configuration
// and agent identity resolution, per §6.
//
// Grounded on the teacher's internal/config/config.go: the same
// Initialize/viper-singleton shape, the same "walk up from cwd looking
// for a project config file, then user config dir, then home
// directory" precedence, and the same SetDefault/AutomaticEnv style for
// individual keys — narrowed from the teacher's CLI-flag-heavy key set
// (json, no-daemon, routing.*, git.*, devlog.*, ...) to this core's own
// keys (durable_append, goals.auto_complete, search.*, compaction.*),
// and its GetIdentity chain adapted from a CLI's git-config/hostname
// fallbacks to the library's interactive-gated username fallback plus a
// hard AgentUnresolved failure for headless callers.
package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/bonesdb/bones/internal/boneserr"
	"github.com/bonesdb/bones/internal/debug"
)

var v *viper.Viper

// dirName is the project configuration directory name, the bones
// analogue of the teacher's ".beads".
const dirName = ".bones"

// Initialize sets up the viper configuration singleton. Call once at
// process startup, mirroring the teacher's Initialize contract.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from cwd looking for a project config file, the same
	// subdirectory-friendly discovery as the teacher's Initialize.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, dirName, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory.
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "bones", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory.
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, dirName, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("BONES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("identity", "BONES_IDENTITY", "BONES_ACTOR")

	v.SetDefault("durable_append", true)
	v.SetDefault("lock-timeout", "30s")
	v.SetDefault("identity", "")

	v.SetDefault("goals.auto_complete", false)

	// Thresholds for a surrounding search/triage subsystem; the core
	// itself never reads these, it only carries them in the host-visible
	// configuration surface.
	v.SetDefault("search.duplicate_threshold", 0.85)
	v.SetDefault("search.related_threshold", 0.6)

	// 30 days, the done/archived settling window of §4.9's eligibility rule.
	v.SetDefault("compaction.min-age", "720h")

	// Empty by default: diagnostics go to stderr until a caller opts into
	// a rotated log file, the same opt-in the teacher's daemon_config.go
	// log file setting makes.
	v.SetDefault("diagnostics.log_file", "")
	v.SetDefault("diagnostics.log_max_size_mb", 50)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return boneserr.Wrap(boneserr.InvalidTransition, "config: reading config file", err)
		}
		debug.Logf("config: loaded %s\n", v.ConfigFileUsed())
	} else {
		debug.Logf("config: no config.yaml found; using defaults and environment variables\n")
	}

	debug.SetLogFile(GetString("diagnostics.log_file"), GetInt("diagnostics.log_max_size_mb"))
	return nil
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value for the remainder of the process.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns every configuration setting as a map, for
// diagnostics and verify reports.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// DurableAppend reports whether every append must fsync the shard
// before returning, trading latency for a tighter torn-write window.
func DurableAppend() bool {
	return GetBool("durable_append")
}

// AutoCompleteGoals reports whether closing every child of a goal item
// should synthesize a system-generated item.move closing the parent.
func AutoCompleteGoals() bool {
	return GetBool("goals.auto_complete")
}

// CompactionMinAge is the minimum time a done/archived item must have
// been settled before it is eligible for snapshot compaction.
func CompactionMinAge() time.Duration {
	return GetDuration("compaction.min-age")
}

// isTerminal reports whether stdin is attached to an interactive
// terminal, the same check the teacher's internal/ui.IsTerminal makes
// against stdout.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ResolveIdentity implements the agent identity chain of §6:
//  1. flagValue, the per-call argument, if non-empty.
//  2. BONES_IDENTITY / BONES_ACTOR (repo-scoped, via viper's "identity" key).
//  3. a generic "AGENT" environment variable.
//  4. in an interactive session only, the local OS username.
//  5. otherwise, a hard AgentUnresolved failure: mutating calls must
//     never silently default to a placeholder identity.
func ResolveIdentity(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if identity := GetString("identity"); identity != "" {
		return identity, nil
	}
	if agent := os.Getenv("AGENT"); agent != "" {
		return agent, nil
	}
	if isTerminal() {
		if u, err := user.Current(); err == nil && u.Username != "" {
			return u.Username, nil
		}
	}
	return "", boneserr.New(boneserr.AgentUnresolved,
		"config: no agent identity resolved (pass one explicitly, set BONES_IDENTITY/BONES_ACTOR, or run interactively)")
}
