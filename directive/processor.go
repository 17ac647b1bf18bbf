// Package directive maps directive text to local actions.
//
// Processing never fails from the caller's point of view: an unknown directive
// yields the InvalidDirective text, and a failing action yields an error
// response that is still sent to the client as text. A session must never end
// because one action went wrong.
package directive

import (
	"context"
	"errors"
	"fmt"
	"remote-cmd/message"
	"strings"
)

const (
	GetTime          = "gettime"
	InvalidDirective = "invalid directive"

	otherLabel = "other"
)

// Action runs the work behind one directive and returns its text output.
type Action func(ctx context.Context) (string, error)

// Processor holds the directive table.
// Register every action before the processor starts serving; lookups are not
// synchronised with Register.
type Processor struct {
	actions map[string]Action
}

// NewProcessor returns a processor that knows no directives.
func NewProcessor() *Processor {
	return &Processor{actions: make(map[string]Action)}
}

// NewDefaultProcessor returns a processor with the built-in "gettime" directive
// bound to timeCommand (name followed by arguments). An empty timeCommand runs date.
func NewDefaultProcessor(timeCommand ...string) *Processor {
	if len(timeCommand) == 0 {
		timeCommand = []string{"date"}
	}
	p := NewProcessor()
	p.actions[GetTime] = CommandAction(timeCommand[0], timeCommand[1:]...)
	return p
}

// Register binds name to action. Names are matched exactly and case-sensitively.
func (p *Processor) Register(name string, action Action) error {
	if name == "" {
		return errors.New("directive: empty name")
	}
	if action == nil {
		return fmt.Errorf("directive: nil action for %q", name)
	}
	if _, ok := p.actions[name]; ok {
		return fmt.Errorf("directive: %q already registered", name)
	}
	p.actions[name] = action
	return nil
}

// Known reports whether name is registered.
func (p *Processor) Known(name string) bool {
	_, ok := p.actions[name]
	return ok
}

// Label returns name for registered directives and "other" for everything
// else, keeping metric label cardinality bounded.
func (p *Processor) Label(name string) string {
	if p.Known(name) {
		return name
	}
	return otherLabel
}

// Handle is the terminal handler of the server's middleware chain.
func (p *Processor) Handle(ctx context.Context, req *message.Request) *message.Response {
	action, ok := p.actions[req.Directive]
	if !ok {
		return &message.Response{Result: InvalidDirective}
	}

	out, err := run(ctx, action)
	if err != nil {
		var actionErr *ActionError
		return &message.Response{
			Error:     req.Directive + ": " + err.Error(),
			Retryable: errors.As(err, &actionErr) && actionErr.Retryable,
		}
	}
	return &message.Response{Result: strings.ToValidUTF8(out, "�")}
}

// Process maps a directive string to the text returned to the client.
func (p *Processor) Process(ctx context.Context, directive string) string {
	return p.Handle(ctx, &message.Request{Directive: directive}).Text()
}

// run calls action and converts a panic into an error.
func run(ctx context.Context, action Action) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionError{Name: "action", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return action(ctx)
}
