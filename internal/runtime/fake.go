package runtime

import (
	"os"
	"strings"
)

// FakeExecutor is an Executor that keeps the history of commands for
// inspection and returns a predefined result. If different results are
// needed per invocation, use CallbackExecutor instead.
type FakeExecutor struct {
	invocations int
	commands    []string
	err         error
	output      []byte
}

// NewFakeExecutor creates a new FakeExecutor.
func NewFakeExecutor(output []byte, err error) *FakeExecutor {
	return &FakeExecutor{
		err:    err,
		output: output,
	}
}

func (p *FakeExecutor) updateHistory(cmd string, args ...string) {
	p.commands = append(p.commands, cmd+" "+strings.Join(args, " "))
	p.invocations++
}

// Exec records the invocation and returns the predefined output and error.
func (p *FakeExecutor) Exec(cmd string, args ...string) ([]byte, error) {
	p.updateHistory(cmd, args...)
	return p.output, p.err
}

// Invoked reports whether Exec was called at least once.
func (p *FakeExecutor) Invoked() bool {
	return p.invocations > 0
}

// Cmd returns the last command line passed to Exec.
func (p *FakeExecutor) Cmd() string {
	if p.invocations == 0 {
		return ""
	}
	return p.commands[p.invocations-1]
}

// CmdHistory returns every command line passed to Exec, in order.
func (p *FakeExecutor) CmdHistory() []string {
	return p.commands
}

// Invocations returns the number of calls made to Exec.
func (p *FakeExecutor) Invocations() int {
	return p.invocations
}

// Reset clears the invocation history.
func (p *FakeExecutor) Reset() {
	p.invocations = 0
	p.commands = nil
}

// ExecCallback computes the output and error of one Exec invocation.
type ExecCallback func(cmd string, args ...string) ([]byte, error)

// CallbackExecutor is a fake Executor that forwards invocations to a
// callback that can dynamically compute output and error per call.
type CallbackExecutor struct {
	FakeExecutor
	callback ExecCallback
}

// NewCallbackExecutor returns a CallbackExecutor wrapping callback.
func NewCallbackExecutor(callback ExecCallback) *CallbackExecutor {
	return &CallbackExecutor{callback: callback}
}

// Exec forwards the invocation to the callback, recording the call first.
func (c *CallbackExecutor) Exec(cmd string, args ...string) ([]byte, error) {
	c.FakeExecutor.updateHistory(cmd, args...)
	return c.callback(cmd, args...)
}

// FakeLock implements Lock for testing, always acquiring successfully.
type FakeLock struct {
	locked   bool
	unlocked bool
	owner    int
}

// NewFakeLock returns a FakeLock that has not yet been acquired.
func NewFakeLock() *FakeLock {
	return &FakeLock{}
}

// Acquire marks the lock as held by the current process.
func (p *FakeLock) Acquire() (bool, error) {
	p.locked = true
	p.owner = os.Getpid()
	return true, nil
}

// Release marks the lock as released.
func (p *FakeLock) Release() error {
	p.unlocked = true
	return nil
}

// Owner returns the current owner pid, or -1 if never acquired.
func (p *FakeLock) Owner() int {
	if !p.locked {
		return -1
	}
	return p.owner
}

// FakeSignal implements Signals for testing.
type FakeSignal struct {
	channel chan os.Signal
}

// NewFakeSignal returns a FakeSignal.
func NewFakeSignal() *FakeSignal {
	return &FakeSignal{channel: make(chan os.Signal)}
}

// Notify returns the fake signal channel, ignoring the requested signal set.
func (f *FakeSignal) Notify(_ ...os.Signal) <-chan os.Signal {
	return f.channel
}

// Reset is a no-op for FakeSignal.
func (f *FakeSignal) Reset(_ ...os.Signal) {}

// Send delivers sig to whatever is reading the channel returned by Notify.
func (f *FakeSignal) Send(sig os.Signal) {
	f.channel <- sig
}

// FakeEnvironment is a fully fake Environment for testing.
type FakeEnvironment struct {
	FakeArgs     []string
	FakeExecutor *FakeExecutor
	FakeLock     *FakeLock
	FakeSignal   *FakeSignal
}

// NewFakeEnvironment creates a FakeEnvironment with fresh fakes for every
// sub-component.
func NewFakeEnvironment(args []string) *FakeEnvironment {
	return &FakeEnvironment{
		FakeArgs:     args,
		FakeExecutor: NewFakeExecutor(nil, nil),
		FakeLock:     NewFakeLock(),
		FakeSignal:   NewFakeSignal(),
	}
}

func (f *FakeEnvironment) Executor() Executor { return f.FakeExecutor }
func (f *FakeEnvironment) Lock() Lock         { return f.FakeLock }
func (f *FakeEnvironment) Signal() Signals    { return f.FakeSignal }
func (f *FakeEnvironment) Args() []string     { return f.FakeArgs }
