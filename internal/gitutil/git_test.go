package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestIsRepo(t *testing.T) {
	dir := initTestRepo(t)
	if !IsRepo(dir) {
		t.Errorf("IsRepo(%s) = false, want true", dir)
	}
	if IsRepo(t.TempDir()) {
		t.Errorf("IsRepo on plain dir = true, want false")
	}
}

func TestCreateBranchAndCommitAll(t *testing.T) {
	dir := initTestRepo(t)
	base, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := CreateBranch(dir, "feat/gh-1", base); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	branch, err := CurrentBranch(dir)
	if err != nil || branch != "feat/gh-1" {
		t.Fatalf("CurrentBranch = %q, %v", branch, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "work.txt"), []byte("done"), 0o644); err != nil {
		t.Fatal(err)
	}
	sha, err := CommitAll(dir, "implement gh#1")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if sha == base {
		t.Fatalf("commit did not advance HEAD")
	}
	clean, err := IsClean(dir)
	if err != nil || !clean {
		t.Fatalf("IsClean after commit = %v, %v", clean, err)
	}
}

func TestCreateBranch_StacksOnGivenBase(t *testing.T) {
	dir := initTestRepo(t)

	if err := CreateBranch(dir, "feat/a", ""); err != nil {
		t.Fatalf("CreateBranch feat/a: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	aSHA, err := CommitAll(dir, "work on a")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	// Stack feat/b on feat/a's tip.
	if err := CreateBranch(dir, "feat/b", "feat/a"); err != nil {
		t.Fatalf("CreateBranch feat/b: %v", err)
	}
	head, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	if head != aSHA {
		t.Fatalf("feat/b base = %s, want %s", head, aSHA)
	}
}

func TestCommandError_IncludesStderr(t *testing.T) {
	dir := initTestRepo(t)
	err := Checkout(dir, "no-such-ref")
	if err == nil {
		t.Fatalf("expected checkout failure")
	}
	ce, ok := err.(*CommandError)
	if !ok {
		t.Fatalf("err = %T, want *CommandError", err)
	}
	if ce.Stderr == "" {
		t.Errorf("CommandError lost stderr")
	}
}
