// Package gitutil shells out to git for the branch and publish plumbing the
// pipeline needs. Background auto-maintenance is disabled on every call so
// frequent per-item commits never spawn long-running helper processes.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func CurrentBranch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func IsClean(dir string) (bool, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// CreateBranch creates (or resets) branch at base and checks it out. An
// empty base means the current HEAD.
func CreateBranch(dir, branch, base string) error {
	args := []string{"checkout", "-B", branch}
	if base != "" {
		args = append(args, base)
	}
	_, _, err := runGit(dir, args...)
	return err
}

func Checkout(dir, ref string) error {
	_, _, err := runGit(dir, "checkout", ref)
	return err
}

// CommitAll stages everything and commits. When the environment has no git
// identity, the commit is retried once with an explicit fallback identity,
// without mutating repo config.
func CommitAll(dir, message string) (string, error) {
	if _, _, err := runGit(dir, "add", "-A"); err != nil {
		return "", err
	}
	_, _, err := runGit(dir, "commit", "--allow-empty", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = runGit(
				dir,
				"-c", "user.name=foreman",
				"-c", "user.email=foreman@local",
				"commit", "--allow-empty", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// Push pushes a branch to the remote. Best effort at the call sites:
// failures are surfaced but should not abort an otherwise completed item.
func Push(dir, remote, branch string) error {
	_, _, err := runGit(dir, "push", "-u", remote, branch)
	return err
}
