// Package policy gates commands before they run: an operator allowlist
// (--enable-commands) and the --yes confirmation for commands that create
// custody or move funds.
package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
)

var mutating = map[string]bool{
	"wallet create": true,
	"swap execute":  true,
}

// alwaysAllowed stays reachable under any allowlist so callers can still
// discover what they may run.
var alwaysAllowed = map[string]bool{
	"schema":  true,
	"version": true,
}

// CheckCommandAllowed admits commandPath when the allowlist is empty or one
// entry equals the path or names a group above it ("swap" admits
// "swap execute").
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	path := canonical(commandPath)
	if len(allowlist) == 0 || alwaysAllowed[path] {
		return nil
	}
	for _, entry := range allowlist {
		entry = canonical(entry)
		if entry != "" && (path == entry || strings.HasPrefix(path, entry+" ")) {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("%q is not in the --enable-commands allowlist", path))
}

// CheckConfirmed rejects a mutating command unless the caller passed --yes.
func CheckConfirmed(assumeYes bool, commandPath string) error {
	if assumeYes || !IsMutating(commandPath) {
		return nil
	}
	return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s changes custody or funds; re-run with --yes", canonical(commandPath)))
}

func IsMutating(commandPath string) bool {
	return mutating[canonical(commandPath)]
}

func canonical(path string) string {
	return strings.Join(strings.Fields(strings.ToLower(path)), " ")
}
