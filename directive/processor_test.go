package directive

import (
	"context"
	"errors"
	"os/exec"
	"remote-cmd/message"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestInvalidDirective(t *testing.T) {
	p := NewDefaultProcessor()
	for _, d := range []string{"", "ping", "GETTIME", "gettime ", " gettime", "gettime\n", "get time", "日期"} {
		assert.Equal(t, InvalidDirective, p.Process(context.Background(), d), "directive %q", d)
	}
}

func TestGetTime(t *testing.T) {
	requireCommand(t, "date")
	p := NewDefaultProcessor()

	out := p.Process(context.Background(), GetTime)
	require.NotEmpty(t, out)
	assert.Contains(t, out, strconv.Itoa(time.Now().Year()))
}

func TestGetTimeCustomCommand(t *testing.T) {
	requireCommand(t, "date")
	p := NewDefaultProcessor("date", "-u", "+%Y-%m-%dT%H:%M:%SZ")

	out := p.Process(context.Background(), GetTime)
	// Output is returned verbatim, trailing newline included
	require.Equal(t, "\n", out[len(out)-1:])
	_, err := time.Parse(time.RFC3339, out[:len(out)-1])
	assert.NoError(t, err)
}

func TestGetTimeCommandFails(t *testing.T) {
	requireCommand(t, "false")
	p := NewDefaultProcessor("false")

	resp := p.Handle(context.Background(), &message.Request{Directive: GetTime})
	require.NotEmpty(t, resp.Error)
	assert.True(t, resp.Retryable)

	out := p.Process(context.Background(), GetTime)
	assert.Contains(t, out, "error: gettime: false: exit status 1")
}

func TestGetTimeCommandMissing(t *testing.T) {
	p := NewDefaultProcessor("/nonexistent/remote-cmd-date")

	resp := p.Handle(context.Background(), &message.Request{Directive: GetTime})
	require.NotEmpty(t, resp.Error)
	assert.False(t, resp.Retryable)
	assert.NotEmpty(t, resp.Text())
}

func TestActionPanicIsRecovered(t *testing.T) {
	p := NewProcessor()
	require.NoError(t, p.Register("explode", func(ctx context.Context) (string, error) {
		panic("kaboom")
	}))

	var out string
	require.NotPanics(t, func() { out = p.Process(context.Background(), "explode") })
	assert.Equal(t, "error: explode: action: panic: kaboom", out)
}

func TestRegister(t *testing.T) {
	p := NewProcessor()
	echo := func(ctx context.Context) (string, error) { return "pong", nil }

	require.NoError(t, p.Register("ping", echo))
	assert.Error(t, p.Register("ping", echo))
	assert.Error(t, p.Register("", echo))
	assert.Error(t, p.Register("nil", nil))

	assert.Equal(t, "pong", p.Process(context.Background(), "ping"))
	assert.Equal(t, "ping", p.Label("ping"))
	assert.Equal(t, "other", p.Label("pong"))
}

func TestActionErrorMatching(t *testing.T) {
	err := &ActionError{Name: "date", Err: errors.New("exit status 2"), Stderr: "bad format"}
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.Equal(t, "date: exit status 2: bad format", err.Error())
}

func TestInvalidUTF8OutputIsSanitised(t *testing.T) {
	p := NewProcessor()
	require.NoError(t, p.Register("raw", func(ctx context.Context) (string, error) {
		return "ok\xff", nil
	}))
	assert.Equal(t, "ok�", p.Process(context.Background(), "raw"))
}
