package sandbox

import (
	"regexp"
	"strings"
	"sync"
)

// PatternKind selects the matching strategy of a CommandPattern.
type PatternKind string

const (
	PatternExact   PatternKind = "exact"
	PatternPrefix  PatternKind = "prefix"
	PatternRegex   PatternKind = "regex"
	PatternBuiltin PatternKind = "builtin"
)

// BuiltinCommand is a named category of internal commands, resolved by a
// fixed name-based classifier rather than by inspecting the pattern string.
type BuiltinCommand string

const (
	BuiltinGit          BuiltinCommand = "git"
	BuiltinCargo        BuiltinCommand = "cargo"
	BuiltinInternalTool BuiltinCommand = "internal_tool"
	BuiltinFileSystem   BuiltinCommand = "file_system"
	BuiltinNetwork      BuiltinCommand = "network"
	BuiltinSystem       BuiltinCommand = "system"
)

// CommandPattern is a tagged pattern for command filtering. Exactly one of
// the payload fields is meaningful depending on Kind.
type CommandPattern struct {
	Kind    PatternKind    `json:"type"`
	Command string         `json:"command,omitempty"`
	Prefix  string         `json:"prefix,omitempty"`
	Pattern string         `json:"pattern,omitempty"`
	Builtin BuiltinCommand `json:"command_type,omitempty"`
}

// ExactPattern matches the command string exactly.
func ExactPattern(command string) CommandPattern {
	return CommandPattern{Kind: PatternExact, Command: command}
}

// PrefixPattern matches any command starting with prefix.
func PrefixPattern(prefix string) CommandPattern {
	return CommandPattern{Kind: PatternPrefix, Prefix: prefix}
}

// RegexPattern matches commands against a regular expression.
func RegexPattern(pattern string) CommandPattern {
	return CommandPattern{Kind: PatternRegex, Pattern: pattern}
}

// BuiltinPattern matches a built-in command category.
func BuiltinPattern(builtin BuiltinCommand) CommandPattern {
	return CommandPattern{Kind: PatternBuiltin, Builtin: builtin}
}

// RiskLevel classifies how dangerous a command or pattern is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// regexCache compiles patterns once and caches them by pattern string.
// An invalid regex is treated as a non-match: a malformed configuration
// entry fails open instead of crashing the pipeline.
type regexCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

func newRegexCache() *regexCache {
	return &regexCache{compiled: make(map[string]*regexp.Regexp)}
}

func (c *regexCache) matches(text, pattern string) bool {
	c.mu.RLock()
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()

	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false
		}
		c.mu.Lock()
		c.compiled[pattern] = re
		c.mu.Unlock()
	}
	return re.MatchString(text)
}

func (c *regexCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiled = make(map[string]*regexp.Regexp)
}

// matchPattern reports whether command matches pattern, compiling regexes
// through the cache.
func matchPattern(command string, pattern CommandPattern, cache *regexCache) bool {
	switch pattern.Kind {
	case PatternExact:
		return command == pattern.Command
	case PatternPrefix:
		return strings.HasPrefix(command, pattern.Prefix)
	case PatternRegex:
		return cache.matches(command, pattern.Pattern)
	case PatternBuiltin:
		return matchBuiltin(command, pattern.Builtin)
	default:
		return false
	}
}

// matchAnyPattern reports whether command matches at least one pattern.
func matchAnyPattern(command string, patterns []CommandPattern, cache *regexCache) bool {
	for _, p := range patterns {
		if matchPattern(command, p, cache) {
			return true
		}
	}
	return false
}

// matchBuiltin classifies a command name into a built-in category.
func matchBuiltin(command string, builtin BuiltinCommand) bool {
	switch builtin {
	case BuiltinGit:
		return strings.HasPrefix(command, "git_")
	case BuiltinCargo:
		return strings.HasPrefix(command, "cargo_")
	case BuiltinInternalTool:
		return strings.HasPrefix(command, "warden_")
	case BuiltinFileSystem:
		switch command {
		case "file_read", "file_write", "file_create", "file_delete", "file_list":
			return true
		}
		return false
	case BuiltinNetwork:
		switch command {
		case "network_request", "http_get", "http_post", "download_file":
			return true
		}
		return false
	case BuiltinSystem:
		switch command {
		case "execute_command", "system_info", "process_list":
			return true
		}
		return false
	default:
		return false
	}
}
