package transport

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

// Variables inherited by a child process when no environment is given.
var (
	windowsInheritedEnv = []string{
		"APPDATA",
		"HOMEDRIVE",
		"HOMEPATH",
		"LOCALAPPDATA",
		"PATH",
		"PROCESSOR_ARCHITECTURE",
		"SYSTEMDRIVE",
		"SYSTEMROOT",
		"TEMP",
		"USERNAME",
		"USERPROFILE",
		"PROGRAMFILES",
	}
	posixInheritedEnv = []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER"}
)

// InheritedEnvVars returns the allow-list used on the current platform.
func InheritedEnvVars() []string {
	if runtime.GOOS == "windows" {
		return append([]string(nil), windowsInheritedEnv...)
	}
	return append([]string(nil), posixInheritedEnv...)
}

// DefaultEnvironment returns the allow-listed variables of the current
// process. Unset variables and values that look like shell function
// definitions are left out.
func DefaultEnvironment() map[string]string {
	env := make(map[string]string)
	for _, key := range InheritedEnvVars() {
		value, ok := os.LookupEnv(key)
		if !ok || isFunctionDefinition(value) {
			continue
		}
		env[key] = value
	}
	return env
}

// isFunctionDefinition matches exported shell functions, which start with
// "()" and must never reach a child.
func isFunctionDefinition(value string) bool {
	return strings.HasPrefix(value, "()")
}

// childEnvironment merges overrides over the default environment and
// renders it as sorted KEY=VALUE pairs. Overrides are filtered by the same
// rule as inherited values.
func childEnvironment(overrides map[string]string) []string {
	env := DefaultEnvironment()
	for k, v := range overrides {
		if isFunctionDefinition(v) {
			delete(env, k)
			continue
		}
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
