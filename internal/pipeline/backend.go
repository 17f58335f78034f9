package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/calder-ross/foreman/internal/config"
	"github.com/calder-ross/foreman/internal/gitutil"
	"github.com/calder-ross/foreman/internal/queue"
	"github.com/calder-ross/foreman/internal/retry"
	"github.com/calder-ross/foreman/internal/sandbox"
)

// CommandBackend performs stage work by running the configured agent
// command for each stage role inside the process sandbox, wrapped by the
// retry engine. Branch management around the draft stage and the push after
// publish are handled here so agent commands stay workspace-relative.
type CommandBackend struct {
	Agents   map[string]config.AgentConfig
	RepoRoot string

	Retry           retry.Policy
	Sandbox         sandbox.Spec // template: timeout, hang window, signatures
	Tracker         *sandbox.ActivityTracker
	BranchPrefix    string
	PushRemote      string
	InfraSignatures []string

	// OnOutput mirrors agent output lines live.
	OnOutput func(stage Stage, line string)
}

// DefaultInfraSignatures classify review/test output that indicts the
// target's own tooling rather than the change under test.
var DefaultInfraSignatures = []string{
	"test infrastructure",
	"no test runner found",
	"cannot find build script",
	"toolchain not installed",
}

var urlPattern = regexp.MustCompile(`https?://[^\s"']+`)

func (b *CommandBackend) RunStage(ctx context.Context, stage Stage, item *queue.Item) (StageResult, error) {
	ac, ok := b.Agents[string(stage)]
	if !ok {
		return StageResult{}, &sandbox.StartError{
			Command: string(stage),
			Err:     fmt.Errorf("no agent configured for stage role %q", stage),
		}
	}

	dir := b.RepoRoot
	if item.RepoPath != "" {
		dir = filepath.Join(b.RepoRoot, item.RepoPath)
	}

	// The item itself is mutated only by the executor's commit hook; the
	// freshly created branch travels through the stage result.
	res := StageResult{}
	branch := item.Branch
	if stage == StageDraft && gitutil.IsRepo(dir) {
		branch = b.branchName(item)
		if err := gitutil.CreateBranch(dir, branch, item.BaseBranch); err != nil {
			return res, fmt.Errorf("create branch %s: %w", branch, err)
		}
		res.Branch = branch
	}

	spec := b.Sandbox
	spec.Command = b.expand(ac.Command, item, branch)
	spec.Dir = dir
	spec.Env = mergeEnv(spec.Env, ac.Env)
	spec.Tracker = b.Tracker
	if b.OnOutput != nil {
		spec.OnStdout = func(line string) { b.OnOutput(stage, line) }
		spec.OnStderr = func(line string) { b.OnOutput(stage, line) }
	}

	out, err := retry.Do(ctx, b.Retry, func(ctx context.Context) (string, error) {
		r, runErr := sandbox.Run(ctx, spec)
		return r.Combined(), runErr
	})
	res.Output = out
	if err != nil {
		if stage == StageReview && matchAny(out, b.infraSignatures()) {
			return res, &InfraError{Stage: stage, Msg: firstLine(out)}
		}
		return res, err
	}

	if stage == StagePublish {
		if item.Branch != "" && b.PushRemote != "" && gitutil.IsRepo(dir) {
			if perr := gitutil.Push(dir, b.PushRemote, item.Branch); perr != nil {
				return res, fmt.Errorf("push %s: %w", item.Branch, perr)
			}
		}
		if url := lastURL(out); url != "" {
			res.PRURL = url
		}
	}
	return res, nil
}

func (b *CommandBackend) branchName(item *queue.Item) string {
	prefix := b.BranchPrefix
	if prefix == "" {
		prefix = "foreman"
	}
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, item.Ref())
	return prefix + "/" + slug
}

func (b *CommandBackend) expand(tmpl string, item *queue.Item, branch string) string {
	r := strings.NewReplacer(
		"{{ref}}", item.Ref(),
		"{{id}}", item.ID,
		"{{source}}", item.Source,
		"{{title}}", item.Title,
		"{{repo}}", item.RepoPath,
		"{{branch}}", branch,
		"{{base_branch}}", item.BaseBranch,
	)
	return r.Replace(tmpl)
}

func (b *CommandBackend) infraSignatures() []string {
	if len(b.InfraSignatures) > 0 {
		return b.InfraSignatures
	}
	return DefaultInfraSignatures
}

func mergeEnv(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func matchAny(out string, signatures []string) bool {
	lower := strings.ToLower(out)
	for _, sig := range signatures {
		if sig != "" && strings.Contains(lower, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func lastURL(out string) string {
	matches := urlPattern.FindAllString(out, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.TrimRight(matches[len(matches)-1], ".,)")
}
