package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/calder-ross/foreman/internal/config"
	"github.com/calder-ross/foreman/internal/pipeline"
	"github.com/calder-ross/foreman/internal/queue"
	"github.com/calder-ross/foreman/internal/state"
	"github.com/calder-ross/foreman/internal/workflow"
)

// scriptedBackend succeeds every stage unless a rule says otherwise.
type scriptedBackend struct {
	// failAt maps "ref/stage" to the error to return.
	failAt map[string]error
	// branches maps ref to the branch the draft stage reports.
	branches map[string]string
	ran      []string
	onStage  func(ref string, stage pipeline.Stage)
}

func (b *scriptedBackend) RunStage(_ context.Context, stage pipeline.Stage, item *queue.Item) (pipeline.StageResult, error) {
	b.ran = append(b.ran, item.Ref()+"/"+string(stage))
	if b.onStage != nil {
		b.onStage(item.Ref(), stage)
	}
	if err, ok := b.failAt[item.Ref()+"/"+string(stage)]; ok {
		return pipeline.StageResult{}, err
	}
	res := pipeline.StageResult{}
	if stage == pipeline.StageDraft {
		res.Branch = b.branches[item.Ref()]
	}
	return res, nil
}

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.HeartbeatIntervalMS = 20
	cfg.Pipeline.PauseCheckIntervalMS = 10
	return cfg
}

func newManager(t *testing.T, backend pipeline.Backend) *Manager {
	t.Helper()
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(store, fastConfig(), backend, nil)
}

func twoItemBatch() []*queue.Item {
	return []*queue.Item{
		{Source: "gh", ID: "a", Title: "A", Status: queue.StatusPending},
		{Source: "gh", ID: "b", Title: "B", DependsOn: []string{"gh#a"}, Status: queue.StatusPending},
	}
}

func TestRun_RejectsNonPositiveMaxItems(t *testing.T) {
	m := newManager(t, &scriptedBackend{})
	for _, n := range []int{0, -3} {
		_, err := m.Run(context.Background(), Options{Items: twoItemBatch(), MaxItems: n})
		if err == nil {
			t.Fatalf("maxItems=%d accepted", n)
		}
	}
	// Rejected before any queue work: no run document written.
	if _, err := m.store.LoadRun(); !errors.Is(err, state.ErrNoRun) {
		t.Fatalf("run document written despite rejection: %v", err)
	}
}

func TestRun_DependentStacksOnSucceededDependency(t *testing.T) {
	backend := &scriptedBackend{branches: map[string]string{"gh#a": "feat/a", "gh#b": "feat/b"}}
	m := newManager(t, backend)
	run, err := m.Run(context.Background(), Options{Items: twoItemBatch(), MaxItems: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != workflow.StateCompleted {
		t.Fatalf("run state = %s", run.State)
	}
	a, _ := queue.Find(run.Items, "gh#a")
	b, _ := queue.Find(run.Items, "gh#b")
	if a.Status != queue.StatusCompleted || a.Branch != "feat/a" {
		t.Fatalf("A = %+v", a)
	}
	if b.Status != queue.StatusCompleted {
		t.Fatalf("B status = %s (%s)", b.Status, b.Error)
	}
	if b.BaseBranch != "feat/a" {
		t.Fatalf("B base branch = %q, want feat/a", b.BaseBranch)
	}
}

func TestRun_FailedDependencySkipsDependent(t *testing.T) {
	backend := &scriptedBackend{failAt: map[string]error{
		"gh#a/implement": errors.New("agent exploded"),
	}}
	m := newManager(t, backend)
	run, err := m.Run(context.Background(), Options{Items: twoItemBatch(), MaxItems: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != workflow.StateCompleted {
		t.Fatalf("item failure aborted the run: %s", run.State)
	}
	a, _ := queue.Find(run.Items, "gh#a")
	b, _ := queue.Find(run.Items, "gh#b")
	if a.Status != queue.StatusFailed {
		t.Fatalf("A status = %s", a.Status)
	}
	if b.Status != queue.StatusSkipped {
		t.Fatalf("B status = %s", b.Status)
	}
	if !strings.Contains(b.Error, "gh#a") {
		t.Fatalf("B error %q does not cite gh#a", b.Error)
	}
	for _, ran := range backend.ran {
		if strings.HasPrefix(ran, "gh#b/") {
			t.Fatalf("B ran despite skip: %v", backend.ran)
		}
	}
}

func TestRun_PartialDependencyFailureStillProceeds(t *testing.T) {
	items := []*queue.Item{
		{Source: "gh", ID: "a", Title: "A", Status: queue.StatusPending},
		{Source: "gh", ID: "b", Title: "B", Status: queue.StatusPending},
		{Source: "gh", ID: "c", Title: "C", DependsOn: []string{"gh#a", "gh#b"}, Status: queue.StatusPending},
	}
	backend := &scriptedBackend{
		branches: map[string]string{"gh#a": "feat/a"},
		failAt:   map[string]error{"gh#b/draft": errors.New("boom")},
	}
	m := newManager(t, backend)
	run, err := m.Run(context.Background(), Options{Items: items, MaxItems: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	c, _ := queue.Find(run.Items, "gh#c")
	if c.Status != queue.StatusCompleted {
		t.Fatalf("C status = %s (%s)", c.Status, c.Error)
	}
	if c.BaseBranch != "feat/a" {
		t.Fatalf("C base = %q, want the surviving dependency's branch", c.BaseBranch)
	}
}

func TestRunQueue_CancelBeforeFirstItemLeavesAllPending(t *testing.T) {
	backend := &scriptedBackend{}
	m := newManager(t, backend)
	items := twoItemBatch()
	queue.NormalizeDependencies(items)
	machine := workflow.NewMachine("run_t", "")
	machine.Apply(workflow.EventStart, workflow.Update{})
	ar := &activeRun{
		run:     &state.Run{RunID: "run_t", State: workflow.StateRunning, Items: items},
		machine: machine,
		ctl:     &controller{dir: m.store.Dir()},
	}
	ar.ctl.cancel.Store(true)

	err := m.runQueue(context.Background(), ar)
	if !errors.Is(err, pipeline.ErrRunCancelled) {
		t.Fatalf("err = %v", err)
	}
	if len(backend.ran) != 0 {
		t.Fatalf("stages ran after cancel: %v", backend.ran)
	}
	for _, it := range items {
		if it.Status != queue.StatusPending {
			t.Fatalf("%s status = %s, want pending", it.Ref(), it.Status)
		}
	}
}

func TestRunQueue_PendingDependencyIsDefensivelySkipped(t *testing.T) {
	backend := &scriptedBackend{}
	m := newManager(t, backend)
	// Deliberately mis-ordered: B precedes the dependency it waits on.
	items := []*queue.Item{
		{Source: "gh", ID: "b", Title: "B", DependsOn: []string{"gh#a"}, Status: queue.StatusPending},
		{Source: "gh", ID: "a", Title: "A", Status: queue.StatusPending},
	}
	machine := workflow.NewMachine("run_t", "")
	machine.Apply(workflow.EventStart, workflow.Update{})
	ar := &activeRun{
		run:     &state.Run{RunID: "run_t", State: workflow.StateRunning, Items: items},
		machine: machine,
		ctl:     &controller{dir: m.store.Dir()},
	}
	if err := m.runQueue(context.Background(), ar); err != nil {
		t.Fatalf("runQueue: %v", err)
	}
	if items[0].Status != queue.StatusSkipped {
		t.Fatalf("B status = %s", items[0].Status)
	}
	if !strings.Contains(items[0].Error, "queue ordering violated") {
		t.Fatalf("B error = %q", items[0].Error)
	}
	if items[1].Status != queue.StatusCompleted {
		t.Fatalf("A status = %s", items[1].Status)
	}
}

func TestRun_CancelledRunNeverFails(t *testing.T) {
	backend := &scriptedBackend{}
	m := newManager(t, backend)
	backend.onStage = func(ref string, stage pipeline.Stage) {
		if ref == "gh#a" && stage == pipeline.StageDraft {
			m.activeController().cancel.Store(true)
		}
	}
	run, err := m.Run(context.Background(), Options{Items: twoItemBatch(), MaxItems: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != workflow.StateCancelled {
		t.Fatalf("run state = %s, want cancelled", run.State)
	}
	a, _ := queue.Find(run.Items, "gh#a")
	if a.Status != queue.StatusSkipped || a.Error != "run cancelled" {
		t.Fatalf("A = %s (%q)", a.Status, a.Error)
	}
}

func TestRun_InfraFailureAbortsRemainingRun(t *testing.T) {
	items := []*queue.Item{
		{Source: "gh", ID: "a", Title: "A", Status: queue.StatusPending},
		{Source: "gh", ID: "b", Title: "B", Status: queue.StatusPending},
		{Source: "gh", ID: "c", Title: "C", Status: queue.StatusPending},
	}
	backend := &scriptedBackend{failAt: map[string]error{
		"gh#a/review": &pipeline.InfraError{Stage: pipeline.StageReview, Msg: "no test runner found"},
	}}
	m := newManager(t, backend)
	run, err := m.Run(context.Background(), Options{Items: items, MaxItems: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != workflow.StateFailed {
		t.Fatalf("run state = %s", run.State)
	}
	a, _ := queue.Find(run.Items, "gh#a")
	if a.Status != queue.StatusFailed {
		t.Fatalf("A status = %s", a.Status)
	}
	for _, ref := range []string{"gh#b", "gh#c"} {
		it, _ := queue.Find(run.Items, ref)
		if it.Status != queue.StatusSkipped {
			t.Fatalf("%s status = %s, want skipped", ref, it.Status)
		}
		if !strings.Contains(it.Error, "gh#a") {
			t.Fatalf("%s skip reason %q does not cite the triggering item", ref, it.Error)
		}
	}
}

func TestRun_SecondConcurrentRunRejected(t *testing.T) {
	backend := &scriptedBackend{}
	m := newManager(t, backend)
	release := make(chan struct{})
	backend.onStage = func(string, pipeline.Stage) { <-release }
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Run(context.Background(), Options{Items: twoItemBatch(), MaxItems: 10})
	}()
	waitFor(t, func() bool {
		run, err := m.store.LoadRun()
		return err == nil && run.State.Active()
	})
	_, err := m.Run(context.Background(), Options{Items: twoItemBatch(), MaxItems: 10})
	if err == nil || !strings.Contains(err.Error(), "already") {
		t.Fatalf("second run err = %v", err)
	}
	close(release)
	<-done
}

func TestRun_FilterAndMaxItemsCap(t *testing.T) {
	items := []*queue.Item{
		{Source: "gh", ID: "1", Title: "svc", RepoPath: "services/api", Status: queue.StatusPending},
		{Source: "gh", ID: "2", Title: "doc", RepoPath: "docs/site", Status: queue.StatusPending},
		{Source: "gh", ID: "3", Title: "svc2", RepoPath: "services/worker", Status: queue.StatusPending},
	}
	m := newManager(t, &scriptedBackend{})
	run, err := m.Run(context.Background(), Options{
		Items:    items,
		MaxItems: 1,
		Filters:  []string{"services/**"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(run.Items) != 1 || run.Items[0].Ref() != "gh#1" {
		t.Fatalf("queue = %v", refs(run.Items))
	}
}

func TestRun_NoEligibleItemsCompletesEmpty(t *testing.T) {
	backend := &scriptedBackend{}
	m := newManager(t, backend)
	items := []*queue.Item{
		{Source: "gh", ID: "1", Title: "doc", RepoPath: "docs/site", Status: queue.StatusPending},
	}
	run, err := m.Run(context.Background(), Options{
		Items:    items,
		MaxItems: 10,
		Filters:  []string{"services/**"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != workflow.StateCompleted {
		t.Fatalf("run state = %s, want completed", run.State)
	}
	if len(run.Items) != 0 || len(backend.ran) != 0 {
		t.Fatalf("empty run did work: items=%d ran=%v", len(run.Items), backend.ran)
	}
}

func TestRun_PersistsCheckpointsDuringRun(t *testing.T) {
	backend := &scriptedBackend{}
	m := newManager(t, backend)
	var sawInProgress bool
	backend.onStage = func(ref string, stage pipeline.Stage) {
		run, err := m.store.LoadRun()
		if err != nil {
			return
		}
		it, ok := queue.Find(run.Items, ref)
		if ok && it.Status == queue.StatusInProgress {
			sawInProgress = true
		}
	}
	if _, err := m.Run(context.Background(), Options{Items: twoItemBatch(), MaxItems: 10}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawInProgress {
		t.Fatalf("in-flight item never visible in the checkpoint store")
	}
	// Final snapshot is terminal.
	snap, err := m.store.LoadWorkflow(mustRunID(t, m))
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if !snap.State.Terminal() {
		t.Fatalf("final snapshot state = %s", snap.State)
	}
}

func TestResumeRun_SkipsDecidedItemsAndFinishesRest(t *testing.T) {
	m := newManager(t, &scriptedBackend{})
	// Simulate a crashed run: A decided, B mid-flight with draft done.
	doneAt := time.Now().UTC()
	crashed := &state.Run{
		RunID:       "run_crashed",
		MaxItems:    10,
		PID:         1 << 22, // dead
		State:       workflow.StateRunning,
		StartedAt:   doneAt.Add(-time.Hour),
		HeartbeatAt: doneAt.Add(-time.Hour),
		Items: []*queue.Item{
			{Source: "gh", ID: "a", Title: "A", Status: queue.StatusCompleted, Branch: "feat/a", CompletedAt: &doneAt},
			{Source: "gh", ID: "b", Title: "B", Status: queue.StatusInProgress,
				Steps: queue.Steps{Draft: true}},
		},
	}
	if err := m.store.SaveRun(crashed); err != nil {
		t.Fatal(err)
	}

	backend := &scriptedBackend{}
	m.backend = backend
	run, err := m.ResumeRun(context.Background())
	if err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if run.State != workflow.StateCompleted {
		t.Fatalf("resumed run state = %s", run.State)
	}
	for _, ran := range backend.ran {
		if strings.HasPrefix(ran, "gh#a/") {
			t.Fatalf("decided item re-ran: %v", backend.ran)
		}
		if ran == "gh#b/draft" {
			t.Fatalf("completed draft stage re-ran: %v", backend.ran)
		}
	}
	b, _ := queue.Find(run.Items, "gh#b")
	if b.Status != queue.StatusCompleted {
		t.Fatalf("B status = %s", b.Status)
	}
}

func TestResumeRun_RefusesLiveRun(t *testing.T) {
	m := newManager(t, &scriptedBackend{})
	live := &state.Run{
		RunID:       "run_live",
		PID:         1, // init: alive, not ours
		State:       workflow.StateRunning,
		HeartbeatAt: time.Now().UTC(),
	}
	if err := m.store.SaveRun(live); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ResumeRun(context.Background()); err == nil {
		t.Fatalf("resumed a live run")
	}
}

func TestControls_NoActiveRun(t *testing.T) {
	m := newManager(t, &scriptedBackend{})
	for name, fn := range map[string]func(string) error{
		"cancel": m.Cancel,
		"pause":  m.Pause,
		"resume": m.Resume,
	} {
		if err := fn(""); !errors.Is(err, ErrNoActiveRun) {
			t.Fatalf("%s on empty workspace: %v", name, err)
		}
	}
}

func TestCancel_MarksStaleRunCancelledFromDisk(t *testing.T) {
	m := newManager(t, &scriptedBackend{})
	stale := &state.Run{
		RunID:       "run_stale",
		PID:         1 << 22,
		State:       workflow.StateRunning,
		HeartbeatAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := m.store.SaveRun(stale); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel("run_stale"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	run, err := m.store.LoadRun()
	if err != nil {
		t.Fatal(err)
	}
	if run.State != workflow.StateCancelled {
		t.Fatalf("state = %s, want cancelled", run.State)
	}
	// Idempotence boundary: a second cancel reports no active run.
	if err := m.Cancel("run_stale"); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestStatus_ReclassifiesStaleRun(t *testing.T) {
	m := newManager(t, &scriptedBackend{})
	if err := m.store.SaveRun(&state.Run{
		RunID:       "run_x",
		PID:         1 << 22,
		State:       workflow.StateRunning,
		HeartbeatAt: time.Now().UTC().Add(-time.Minute),
		Items:       twoItemBatch(),
	}); err != nil {
		t.Fatal(err)
	}
	rep, err := m.Status("")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !rep.IsStale || rep.RunStatus != workflow.StateStale {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Counts["pending"] != 2 || rep.Counts["total"] != 2 {
		t.Fatalf("counts = %v", rep.Counts)
	}
}

func TestPauseThenResume_MidRun(t *testing.T) {
	backend := &scriptedBackend{}
	m := newManager(t, backend)
	paused := make(chan struct{}, 1)
	backend.onStage = func(ref string, stage pipeline.Stage) {
		if ref == "gh#a" && stage == pipeline.StageDraft {
			m.activeController().pause.Store(true)
			paused <- struct{}{}
		}
	}
	done := make(chan *state.Run, 1)
	go func() {
		run, _ := m.Run(context.Background(), Options{Items: twoItemBatch(), MaxItems: 10})
		done <- run
	}()
	<-paused
	// The runner parks at the next stage boundary and the checkpoint store
	// reports the run as paused while it waits.
	waitFor(t, func() bool {
		run, err := m.store.LoadRun()
		return err == nil && run.State == workflow.StatePaused
	})
	m.activeController().pause.Store(false)
	run := <-done
	if run.State != workflow.StateCompleted {
		t.Fatalf("run state = %s", run.State)
	}
}

func TestRun_FastHeartbeatDuringItemMutations(t *testing.T) {
	items := make([]*queue.Item, 0, 30)
	for i := 0; i < 30; i++ {
		items = append(items, &queue.Item{
			Source: "gh", ID: fmt.Sprintf("%02d", i), Title: "bulk", Status: queue.StatusPending,
		})
	}
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := fastConfig()
	cfg.Pipeline.HeartbeatIntervalMS = 1
	backend := &scriptedBackend{}
	m := NewManager(store, cfg, backend, nil)
	run, err := m.Run(context.Background(), Options{Items: items, MaxItems: 50})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != workflow.StateCompleted {
		t.Fatalf("run state = %s", run.State)
	}
	counts := queue.CountByStatus(run.Items)
	if counts.Completed != 30 {
		t.Fatalf("completed = %d, want 30", counts.Completed)
	}
}

func TestRun_AbortsWhenCheckpointStoreBreaks(t *testing.T) {
	dir := t.TempDir()
	store, err := state.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	backend := &scriptedBackend{}
	m := NewManager(store, fastConfig(), backend, nil)
	backend.onStage = func(ref string, stage pipeline.Stage) {
		if ref == "gh#a" && stage == pipeline.StageDraft {
			if err := os.RemoveAll(dir); err != nil {
				t.Error(err)
			}
		}
	}
	run, err := m.Run(context.Background(), Options{Items: twoItemBatch(), MaxItems: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != workflow.StateFailed {
		t.Fatalf("run state = %s, want failed", run.State)
	}
	if !strings.Contains(run.Error, "checkpoint store failing") {
		t.Fatalf("run error = %q", run.Error)
	}
	for _, ran := range backend.ran {
		if strings.HasPrefix(ran, "gh#b/") {
			t.Fatalf("queue continued on a broken store: %v", backend.ran)
		}
	}
}

func TestResumeRun_FinishesCancellingRun(t *testing.T) {
	backend := &scriptedBackend{}
	m := newManager(t, backend)
	old := time.Now().UTC().Add(-time.Hour)
	crashed := &state.Run{
		RunID:       "run_cxl",
		MaxItems:    10,
		PID:         1 << 22, // dead
		State:       workflow.StateCancelling,
		StartedAt:   old,
		HeartbeatAt: old,
		Items:       twoItemBatch(),
	}
	if err := m.store.SaveRun(crashed); err != nil {
		t.Fatal(err)
	}
	if err := m.store.SaveWorkflow(workflow.Snapshot{
		State:   workflow.StateCancelling,
		Context: workflow.Context{RunID: "run_cxl"},
	}); err != nil {
		t.Fatal(err)
	}

	run, err := m.ResumeRun(context.Background())
	if err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if run.State != workflow.StateCancelled {
		t.Fatalf("run state = %s, want cancelled", run.State)
	}
	if len(backend.ran) != 0 {
		t.Fatalf("stages ran while finishing a cancel: %v", backend.ran)
	}
	for _, it := range run.Items {
		if it.Status != queue.StatusPending {
			t.Fatalf("%s status = %s, want pending", it.Ref(), it.Status)
		}
	}
	snap, err := m.store.LoadWorkflow("run_cxl")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != workflow.StateCancelled {
		t.Fatalf("persisted snapshot state = %s", snap.State)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never satisfied")
}

func mustRunID(t *testing.T, m *Manager) string {
	t.Helper()
	run, err := m.store.LoadRun()
	if err != nil {
		t.Fatal(err)
	}
	return run.RunID
}

func refs(items []*queue.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Ref())
	}
	return out
}
