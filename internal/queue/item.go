// Package queue models work items and builds the dependency-ordered
// execution queue for a run.
package queue

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether an item in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Steps tracks per-stage completion flags on an item. They drive stage
// preconditions during execution and resume; the stage checkpoint audit
// trail is separate and never consulted for control flow.
type Steps struct {
	Draft     bool `json:"draft"`
	Plan      bool `json:"plan"`
	Implement bool `json:"implement"`
	Review    bool `json:"review"`
	Publish   bool `json:"publish"`
}

// Item is one unit of work carried through the full stage pipeline.
type Item struct {
	Source     string   `json:"source"`
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	RepoPath   string   `json:"repo_path"`
	DependsOn  []string `json:"depends_on"`
	Difficulty int      `json:"difficulty"`

	Status     Status     `json:"status"`
	Branch     string     `json:"branch,omitempty"`
	PRURL      string     `json:"pr_url,omitempty"`
	BaseBranch string     `json:"base_branch,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Steps Steps `json:"steps"`
}

// Ref returns the item's fully qualified dependency reference.
func (it *Item) Ref() string {
	return it.Source + "#" + it.ID
}

// ParseRef splits a qualified dependency reference. ok is false for bare ids.
func ParseRef(ref string) (source, id string, ok bool) {
	idx := strings.Index(ref, "#")
	if idx < 0 {
		return "", ref, false
	}
	return ref[:idx], ref[idx+1:], true
}

// NormalizeDependencies rewrites every dependsOn entry to a fully qualified
// source#id reference, in place. Bare ids are disambiguated against the full
// item set; when a bare id exists under multiple sources, the referencing
// item's own source is used as a heuristic fallback.
func NormalizeDependencies(items []*Item) {
	bySourceID := map[string]bool{}
	sourcesByID := map[string][]string{}
	for _, it := range items {
		bySourceID[it.Ref()] = true
		sourcesByID[it.ID] = append(sourcesByID[it.ID], it.Source)
	}

	for _, it := range items {
		for i, dep := range it.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				continue
			}
			if _, _, qualified := ParseRef(dep); qualified {
				it.DependsOn[i] = dep
				continue
			}
			sources := sourcesByID[dep]
			switch len(sources) {
			case 1:
				it.DependsOn[i] = sources[0] + "#" + dep
			default:
				// Ambiguous or unknown: qualify with the referencing item's
				// own source. Unknown refs resolve to no-ops during ordering.
				it.DependsOn[i] = it.Source + "#" + dep
			}
		}
	}
}

// Find returns the item matching a fully qualified reference.
func Find(items []*Item, ref string) (*Item, bool) {
	for _, it := range items {
		if it.Ref() == ref {
			return it, true
		}
	}
	return nil, false
}

// Counts summarizes item statuses for status reporting.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

func CountByStatus(items []*Item) Counts {
	c := Counts{Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
	}
	return c
}

func (c Counts) String() string {
	return fmt.Sprintf("total=%d completed=%d failed=%d skipped=%d pending=%d",
		c.Total, c.Completed, c.Failed, c.Skipped, c.Pending)
}
