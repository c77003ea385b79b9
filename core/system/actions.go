package system

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util"
)

type PathKind int

const (
	// Literal tokens are passed to the command unchanged.
	Literal PathKind = iota
	// Local paths are relative to the working directory of the invoker.
	Local
	// TargetRelative paths live below the mounted target root.
	TargetRelative
)

const (
	LocalPrefix  = "L:"
	TargetPrefix = "T:"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrInvalidAction = errors.New("invalid action")
)

type PathRef struct {
	Kind PathKind
	Path string
}

func ParsePathRef(token string) PathRef {
	switch {
	case strings.HasPrefix(token, LocalPrefix):
		return PathRef{Kind: Local, Path: strings.TrimPrefix(token, LocalPrefix)}
	case strings.HasPrefix(token, TargetPrefix):
		return PathRef{Kind: TargetRelative, Path: strings.TrimPrefix(token, TargetPrefix)}
	default:
		return PathRef{Kind: Literal, Path: token}
	}
}

// Resolve returns the path the command should receive when the target is
// mounted at mountRoot.
func (p PathRef) Resolve(mountRoot string) string {
	if p.Kind == TargetRelative {
		return filepath.Join(mountRoot, strings.TrimLeft(p.Path, "/"))
	}
	return p.Path
}

func (p PathRef) String() string {
	switch p.Kind {
	case Local:
		return LocalPrefix + p.Path
	case TargetRelative:
		return TargetPrefix + p.Path
	default:
		return p.Path
	}
}

// Action is one step of the first time setup installation.
type Action interface {
	Verb() string
	// Command returns the program and arguments performing the action with
	// the target mounted at mountRoot.
	Command(mountRoot string) util.Command
}

type CopyAction struct {
	Source, Destination PathRef
}

func (CopyAction) Verb() string { return "copy" }

func (a CopyAction) Command(mountRoot string) util.Command {
	return util.NewCommand("cp", a.Source.Resolve(mountRoot), a.Destination.Resolve(mountRoot))
}

type ChmodAction struct {
	Mode   string
	Target PathRef
}

func (ChmodAction) Verb() string { return "chmod" }

func (a ChmodAction) Command(mountRoot string) util.Command {
	return util.NewCommand("chmod", a.Mode, a.Target.Resolve(mountRoot))
}

type SymlinkAction struct {
	Target, LinkName PathRef
}

func (SymlinkAction) Verb() string { return "symlink" }

func (a SymlinkAction) Command(mountRoot string) util.Command {
	return util.NewCommand("ln", "-s", a.Target.Resolve(mountRoot), a.LinkName.Resolve(mountRoot))
}

// ParseAction builds an Action from its list form, the verb followed by its
// arguments, e.g. ["copy", "L:payloads/setup.sh", "T:/usr/local/bin/setup.sh"].
func ParseAction(entry []string) (Action, error) {
	if len(entry) == 0 {
		return nil, errors.Wrap(ErrInvalidAction, "empty entry")
	}

	verb, args := entry[0], entry[1:]
	expectArgs := func(n int) error {
		if len(args) != n {
			return errors.Wrapf(ErrInvalidAction, "%s takes %d arguments, got %d: %q", verb, n, len(args), entry)
		}
		return nil
	}

	switch verb {
	/* !! ### copy
	 *
	 * Copy a file, usually from the local machine into the target.
	 *
	 * **Accepts**:
	 * - *Source* (`path`): The file to copy.
	 * - *Destination* (`path`): Where to copy it.
	 */
	case "copy":
		if err := expectArgs(2); err != nil {
			return nil, err
		}
		return CopyAction{Source: ParsePathRef(args[0]), Destination: ParsePathRef(args[1])}, nil
	/* !! ### chmod
	 *
	 * Change the permission bits of a file.
	 *
	 * **Accepts**:
	 * - *Mode* (`string`): Any mode chmod(1) understands, e.g. `+x` or `0755`.
	 * - *Target* (`path`): The file to change.
	 */
	case "chmod":
		if err := expectArgs(2); err != nil {
			return nil, err
		}
		return ChmodAction{Mode: args[0], Target: ParsePathRef(args[1])}, nil
	/* !! ### symlink
	 *
	 * Create a symbolic link.
	 *
	 * **Accepts**:
	 * - *Target* (`path`): What the link points at.
	 * - *LinkName* (`path`): The link itself, or a directory to create it in.
	 */
	case "symlink":
		if err := expectArgs(2); err != nil {
			return nil, err
		}
		return SymlinkAction{Target: ParsePathRef(args[0]), LinkName: ParsePathRef(args[1])}, nil
	/* !! --- */
	default:
		return nil, errors.Wrapf(ErrUnknownAction, "%q", entry)
	}
}

// ParseActions parses every entry, failing on the first invalid one.
func ParseActions(entries [][]string) ([]Action, error) {
	actions := make([]Action, 0, len(entries))
	for i, entry := range entries {
		action, err := ParseAction(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %d", i)
		}
		actions = append(actions, action)
	}

	return actions, nil
}

// RunActions executes actions in order against the target mounted at
// mountRoot and stops at the first failure.
func RunActions(ctx context.Context, runner util.Runner, log logrus.FieldLogger, mountRoot string, actions []Action) error {
	for i, action := range actions {
		cmd := action.Command(mountRoot)
		log.Debugf("action %d (%s): %s", i, action.Verb(), cmd)
		if _, err := runner.Run(ctx, cmd); err != nil {
			return errors.Wrapf(err, "failed to execute action %d (%s)", i, action.Verb())
		}
	}

	return nil
}
