// Package mock provides a util.Runner that records commands instead of
// executing them.
package mock

import (
	"context"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util"
)

type Runner struct {
	cmds []util.Command
	// SideEffect, when set, decides the result of every command.
	SideEffect  func(cmd util.Command) ([]byte, error)
	ReturnValue []byte
	ReturnError error
}

var _ util.Runner = (*Runner)(nil)

func NewRunner() *Runner {
	return &Runner{}
}

func (r *Runner) Run(_ context.Context, cmd util.Command) ([]byte, error) {
	r.cmds = append(r.cmds, cmd)
	if r.SideEffect != nil {
		return r.SideEffect(cmd)
	}
	return r.ReturnValue, r.ReturnError
}

// Commands returns every recorded command, in order.
func (r *Runner) Commands() []util.Command {
	return r.cmds
}

// GetCmds returns the argv of every recorded command, in order.
func (r *Runner) GetCmds() [][]string {
	argvs := make([][]string, 0, len(r.cmds))
	for _, c := range r.cmds {
		argvs = append(argvs, c.Argv())
	}
	return argvs
}

func (r *Runner) ClearCmds() {
	r.cmds = nil
}

// CmdsMatch checks that the recorded commands start with the given
// prefixes, one prefix per command and in the same order.
func (r *Runner) CmdsMatch(expected [][]string) error {
	got := r.GetCmds()
	if len(got) != len(expected) {
		return errors.Errorf("expected %d commands, got %d: %v", len(expected), len(got), got)
	}
	for i, prefix := range expected {
		if !hasPrefix(got[i], prefix) {
			return errors.Errorf("command %d: expected prefix '%s', got '%s'",
				i, strings.Join(prefix, " "), strings.Join(got[i], " "))
		}
	}
	return nil
}

// IncludesCmds checks that every given prefix matches some recorded command.
func (r *Runner) IncludesCmds(expected [][]string) error {
	got := r.GetCmds()
	for _, prefix := range expected {
		found := false
		for _, argv := range got {
			if hasPrefix(argv, prefix) {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("command '%s' was not run", strings.Join(prefix, " "))
		}
	}
	return nil
}

func hasPrefix(argv, prefix []string) bool {
	if len(argv) < len(prefix) {
		return false
	}
	return reflect.DeepEqual(argv[:len(prefix)], prefix)
}
