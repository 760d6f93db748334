// Package schema describes the command tree as JSON so that scripts and
// agents can discover commands, flags and exit codes without parsing help
// text.
package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type Command struct {
	// Path is relative to the root command; the root itself is "".
	Path        string    `json:"path"`
	Usage       string    `json:"usage"`
	Summary     string    `json:"summary,omitempty"`
	Aliases     []string  `json:"aliases,omitempty"`
	Runnable    bool      `json:"runnable"`
	Mutating    bool      `json:"mutating,omitempty"`
	Flags       []Flag    `json:"flags,omitempty"`
	Subcommands []Command `json:"subcommands,omitempty"`
}

type Flag struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

type ExitCode struct {
	Code int    `json:"code"`
	Type string `json:"type"`
}

type Document struct {
	Command
	GlobalFlags []Flag     `json:"global_flags,omitempty"`
	ExitCodes   []ExitCode `json:"exit_codes,omitempty"`
}

type Options struct {
	// Mutating reports commands that change custody or move funds.
	Mutating  func(path string) bool
	ExitCodes []ExitCode
}

// Build describes the subtree at commandPath (space separated, aliases
// accepted). An empty path describes the whole tree.
func Build(root *cobra.Command, commandPath string, opts Options) (Document, error) {
	cmd, err := find(root, strings.Fields(commandPath))
	if err != nil {
		return Document{}, err
	}
	global := map[string]bool{}
	root.PersistentFlags().VisitAll(func(f *pflag.Flag) { global[f.Name] = true })

	d := &describer{root: root, global: global, mutating: opts.Mutating}
	return Document{
		Command:     d.describe(cmd),
		GlobalFlags: flags(root.PersistentFlags(), nil),
		ExitCodes:   opts.ExitCodes,
	}, nil
}

func find(root *cobra.Command, parts []string) (*cobra.Command, error) {
	cmd := root
	for _, p := range parts {
		idx := slices.IndexFunc(cmd.Commands(), func(c *cobra.Command) bool {
			return c.Name() == p || slices.Contains(c.Aliases, p)
		})
		if idx < 0 {
			return nil, fmt.Errorf("command not found: %s", strings.Join(parts, " "))
		}
		cmd = cmd.Commands()[idx]
	}
	return cmd, nil
}

type describer struct {
	root     *cobra.Command
	global   map[string]bool
	mutating func(string) bool
}

func (d *describer) describe(cmd *cobra.Command) Command {
	path := strings.Join(strings.Fields(cmd.CommandPath())[1:], " ")
	c := Command{
		Path:     path,
		Usage:    cmd.UseLine(),
		Summary:  cmd.Short,
		Aliases:  cmd.Aliases,
		Runnable: cmd.Runnable(),
		Flags:    flags(cmd.LocalFlags(), d.global),
	}
	if d.mutating != nil && path != "" {
		c.Mutating = d.mutating(path)
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		c.Subcommands = append(c.Subcommands, d.describe(sub))
	}
	return c
}

// flags lists fs, leaving out names in skip.
func flags(fs *pflag.FlagSet, skip map[string]bool) []Flag {
	var out []Flag
	fs.VisitAll(func(f *pflag.Flag) {
		if skip[f.Name] || f.Name == "help" {
			return
		}
		req := f.Annotations[cobra.BashCompOneRequiredFlag]
		out = append(out, Flag{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  len(req) > 0 && req[0] == "true",
		})
	})
	return out
}
