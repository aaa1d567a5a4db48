// Package schema describes the command tree in a machine-readable form so
// agents can discover commands and their flags without parsing help text.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Runnable    bool            `json:"runnable"`
	Mutating    bool            `json:"mutating"`
	Aliases     []string        `json:"aliases,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// MutatingAnnotation marks commands that write state or broadcast
// transactions.
const MutatingAnnotation = "launchguard/mutating"

// Build serializes the command at commandPath, or root when it is empty.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, p := range strings.Fields(commandPath) {
		next := child(cmd, p)
		if next == nil {
			return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = next
	}
	return serialize(cmd), nil
}

func child(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name || contains(c.Aliases, name) {
			return c
		}
	}
	return nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:     strings.TrimSpace(cmd.CommandPath()),
		Use:      cmd.Use,
		Short:    cmd.Short,
		Runnable: cmd.Runnable(),
		Mutating: cmd.Annotations[MutatingAnnotation] == "true",
		Aliases:  cmd.Aliases,
		Flags:    collectFlags(cmd),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	items := []FlagSchema{}
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  required,
		})
	})
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
