package directive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrActionFailed = errors.New("directive: action failed")

// ActionError reports a failed external action.
type ActionError struct {
	Name      string // Command or action name
	Err       error
	Stderr    string
	Retryable bool // The command ran and failed; running it again may succeed
}

func (e *ActionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Name, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func (e *ActionError) Is(target error) bool { return target == ErrActionFailed }

// CommandAction runs name with args and returns its standard output verbatim.
// The command is killed if ctx ends first.
func CommandAction(name string, args ...string) Action {
	return func(ctx context.Context) (string, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			return "", &ActionError{
				Name:      name,
				Err:       err,
				Stderr:    strings.TrimSpace(stderr.String()),
				Retryable: errors.As(err, &exitErr) && ctx.Err() == nil,
			}
		}
		return string(out), nil
	}
}
