// Package process implements generic subprocess management: starting a
// child in its own process group and terminating it with an escalating
// SIGTERM-then-SIGKILL sequence. It is used by casd to supervise the
// storage daemon subprocess.
package process

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/thought-machine/plz-cas-cache/src/cli"
	"github.com/thought-machine/plz-cas-cache/src/cli/logging"
)

var log = logging.Log

// An Executor starts and supervises a set of subprocesses, registering
// itself to kill them all if the process is itself killed.
type Executor struct {
	processes map[*exec.Cmd]<-chan error
	mutex     sync.Mutex
}

// New returns a new Executor.
func New() *Executor {
	e := &Executor{processes: map[*exec.Cmd]<-chan error{}}
	cli.AtExit(e.killAll)
	return e
}

// Command constructs a command that will run in its own process group, so
// signals sent to it (and only it, plus anything it spawns itself) can be
// delivered with a single kill(2) call on the negative pid.
func (e *Executor) Command(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Start starts the given command and begins supervising it.
func (e *Executor) Start(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	ch := make(chan error, 1)
	e.mutex.Lock()
	e.processes[cmd] = ch
	e.mutex.Unlock()
	// Closing after the send lets every receiver (Wait and Terminate alike)
	// observe the exit, not just whichever one takes the error value.
	go func() { ch <- cmd.Wait(); close(ch) }()
	return nil
}

// Wait blocks until the given command, previously passed to Start, exits.
func (e *Executor) Wait(cmd *exec.Cmd) error {
	e.mutex.Lock()
	ch := e.processes[cmd]
	e.mutex.Unlock()
	if ch == nil {
		return nil
	}
	return <-ch
}

// Terminate sends SIGTERM to the process group, waiting up to graceDuration
// for it to exit; if it hasn't, it sends SIGKILL and waits up to
// killDuration. It returns true if the process exited without requiring
// SIGKILL.
func (e *Executor) Terminate(cmd *exec.Cmd, graceDuration, killDuration time.Duration) bool {
	e.mutex.Lock()
	ch := e.processes[cmd]
	e.mutex.Unlock()
	if cmd.Process == nil || ch == nil {
		return true
	}
	defer e.remove(cmd)
	if e.sendSignal(cmd, ch, syscall.SIGTERM, graceDuration) {
		return true
	}
	e.sendSignal(cmd, ch, syscall.SIGKILL, killDuration)
	return false
}

func (e *Executor) sendSignal(cmd *exec.Cmd, ch <-chan error, sig syscall.Signal, timeout time.Duration) bool {
	log.Debug("Sending signal %s to process group -%d", sig, cmd.Process.Pid)
	syscall.Kill(-cmd.Process.Pid, sig)
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Executor) remove(cmd *exec.Cmd) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.processes, cmd)
}

// killAll force-kills every subprocess still registered. Used as an AtExit
// hook so a killed parent doesn't orphan its daemon.
func (e *Executor) killAll() {
	e.mutex.Lock()
	cmds := make([]*exec.Cmd, 0, len(e.processes))
	for cmd := range e.processes {
		cmds = append(cmds, cmd)
	}
	e.mutex.Unlock()
	var wg sync.WaitGroup
	wg.Add(len(cmds))
	for _, cmd := range cmds {
		go func(cmd *exec.Cmd) {
			defer wg.Done()
			e.Terminate(cmd, 30*time.Millisecond, time.Second)
		}(cmd)
	}
	wg.Wait()
}

// ExitCode returns the exit code of a command that has already exited, or
// -1 if it hasn't exited or the code can't be determined.
func ExitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
