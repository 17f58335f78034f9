// Package sandbox supervises the external commands each pipeline stage
// spawns: shell execution with a merged environment, an overall timeout, a
// hang window that resets on every byte of output, immediate abort on
// credential-failure signatures, and a detached launch mode.
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Spec describes one supervised invocation. Command runs via `sh -c`.
type Spec struct {
	Command string
	Dir     string
	// Env entries override the inherited environment.
	Env map[string]string

	// Timeout bounds the whole invocation. Zero means unbounded.
	Timeout time.Duration
	// HangTimeout fires only during output silence. Zero disables it.
	HangTimeout time.Duration

	// AuthSignatures are matched case-insensitively against stderr lines.
	AuthSignatures []string

	OnStdout func(line string)
	OnStderr func(line string)
	Tracker  *ActivityTracker
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout and stderr joined for signature scanning.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

const (
	watchdogPoll = 250 * time.Millisecond
	killGrace    = 2 * time.Second
	// captureLimit caps retained output per stream; supervision reads the
	// full stream either way.
	captureLimit = 1 << 20
)

// Run executes the command and waits for it to finish or be killed.
func Run(ctx context.Context, spec Spec) (Result, error) {
	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	cmd.Stdin = strings.NewReader("")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, &StartError{Command: spec.Command, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, &StartError{Command: spec.Command, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, &StartError{Command: spec.Command, Err: err}
	}
	spec.Tracker.SetCommand(spec.Command)
	defer spec.Tracker.ClearCommand()

	var lastActivity atomic.Int64
	lastActivity.Store(start.UnixNano())
	touch := func() {
		lastActivity.Store(time.Now().UnixNano())
		spec.Tracker.Touch()
	}

	var authErr atomic.Pointer[AuthError]
	abort := make(chan struct{})
	var abortOnce sync.Once
	triggerAbort := func() { abortOnce.Do(func() { close(abort) }) }

	var stdout, stderr tailBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutPipe, func(line string) {
			touch()
			stdout.append(line)
			if spec.OnStdout != nil {
				spec.OnStdout(line)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrPipe, func(line string) {
			touch()
			stderr.append(line)
			if spec.OnStderr != nil {
				spec.OnStderr(line)
			}
			if sig := matchSignature(line, spec.AuthSignatures); sig != "" {
				authErr.CompareAndSwap(nil, &AuthError{Signature: sig, Line: line})
				triggerAbort()
			}
		})
	}()

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(watchdogPoll)
	defer ticker.Stop()

	finish := func(waitErr error, failure error) (Result, error) {
		res := Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Duration: time.Since(start),
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if ae := authErr.Load(); ae != nil {
			return res, ae
		}
		if failure != nil {
			return res, failure
		}
		if waitErr != nil {
			var ee *exec.ExitError
			if errors.As(waitErr, &ee) {
				return res, &ExitError{Command: spec.Command, ExitCode: res.ExitCode}
			}
			return res, waitErr
		}
		return res, nil
	}

	for {
		select {
		case waitErr := <-waitCh:
			return finish(waitErr, nil)
		case <-abort:
			return finish(killAndWait(cmd, waitCh), nil)
		case <-ctx.Done():
			return finish(killAndWait(cmd, waitCh), ctx.Err())
		case <-deadline:
			return finish(killAndWait(cmd, waitCh),
				&TimeoutError{Command: spec.Command, After: spec.Timeout})
		case <-ticker.C:
			if spec.HangTimeout <= 0 {
				continue
			}
			silence := time.Since(time.Unix(0, lastActivity.Load()))
			if silence < spec.HangTimeout {
				continue
			}
			return finish(killAndWait(cmd, waitCh),
				&HangError{Command: spec.Command, Silence: spec.HangTimeout})
		}
	}
}

// Start launches the command detached in its own process group and returns
// its pid without waiting. The caller owns reaping or abandonment.
func Start(spec Spec) (int, error) {
	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, &StartError{Command: spec.Command, Err: err}
	}
	pid := cmd.Process.Pid
	// Reap in the background so the child never zombifies under us.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// killAndWait terminates the whole process group, escalating to SIGKILL
// after a grace period, then waits for the reader goroutines to drain.
func killAndWait(cmd *exec.Cmd, waitCh <-chan error) error {
	_ = signalGroup(cmd, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(killGrace):
	}
	_ = signalGroup(cmd, syscall.SIGKILL)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(killGrace):
		return errors.New("process did not exit after SIGKILL")
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func mergedEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return os.Environ()
	}
	base := os.Environ()
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

func matchSignature(line string, signatures []string) string {
	lower := strings.ToLower(line)
	for _, sig := range signatures {
		if sig != "" && strings.Contains(lower, strings.ToLower(sig)) {
			return sig
		}
	}
	return ""
}

func scanLines(r interface{ Read([]byte) (int, error) }, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
}

// tailBuffer keeps up to captureLimit bytes of a stream.
type tailBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (t *tailBuffer) append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.b.Len() >= captureLimit {
		return
	}
	if t.b.Len() > 0 {
		t.b.WriteByte('\n')
	}
	t.b.WriteString(line)
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.String()
}
