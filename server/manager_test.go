// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kbflow/kbflow"
	"github.com/kbflow/kbflow/backend"
	"github.com/kbflow/kbflow/server/store"
)

// fakeBackend scripts backend behavior per test.
type fakeBackend struct {
	answerFn func(ctx context.Context, session, question string) (*backend.Result, error)
	streamFn func(ctx context.Context, session, question string) (AnswerStream, error)
}

func (f *fakeBackend) SupportedContentTypes() []string {
	return []string{"text", "text/plain"}
}

func (f *fakeBackend) EnsureSession(ctx context.Context, callerSessionID string) (string, error) {
	return "backend-" + callerSessionID, nil
}

func (f *fakeBackend) Answer(ctx context.Context, session, question string) (*backend.Result, error) {
	return f.answerFn(ctx, session, question)
}

func (f *fakeBackend) AnswerStream(ctx context.Context, session, question string) (AnswerStream, error) {
	return f.streamFn(ctx, session, question)
}

// fakeStream replays a fixed chunk sequence.
type fakeStream struct {
	chunks chan backend.Chunk
	err    error
}

func newFakeStream(err error, chunks ...backend.Chunk) *fakeStream {
	ch := make(chan backend.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &fakeStream{chunks: ch, err: err}
}

func (f *fakeStream) Chunks() <-chan backend.Chunk { return f.chunks }
func (f *fakeStream) Err() error                   { return f.err }
func (f *fakeStream) Close()                       {}

// fakeNotifier records verification probes and deliveries.
type fakeNotifier struct {
	mu       sync.Mutex
	verifyOK bool
	verified []string
	sent     []string
}

func (f *fakeNotifier) VerifyURL(ctx context.Context, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, url)
	return f.verifyOK, nil
}

func (f *fakeNotifier) Send(ctx context.Context, url, callerToken string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, url)
	return nil
}

func (f *fakeNotifier) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func answerWith(content string, refs map[string]any) func(context.Context, string, string) (*backend.Result, error) {
	return func(context.Context, string, string) (*backend.Result, error) {
		return &backend.Result{Content: content, References: refs}, nil
	}
}

func submitParams(taskID, text string) *kbflow.TaskSendParams {
	return &kbflow.TaskSendParams{
		ID:        taskID,
		SessionID: "session-1",
		Message: &kbflow.Message{
			Role:  kbflow.RoleUser,
			Parts: []kbflow.Part{kbflow.NewTextPart(text)},
		},
		HistoryLength: 10,
	}
}

func newTestManager(t *testing.T, b Backend, opts ...ManagerOption) (*Manager, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	m, err := NewManager(s, b, opts...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, s
}

func TestSubmitTaskCompleted(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: answerWith("the answer", map[string]any{
		"chunks": []any{map[string]any{"content": "doc"}},
	})}
	m, _ := newTestManager(t, fb)

	task, err := m.SubmitTask(ctx, submitParams("task-1", "what is kbflow?"))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if task.Status.State != kbflow.TaskStateCompleted {
		t.Errorf("state = %q, want completed", task.Status.State)
	}
	if len(task.Artifacts) != 1 {
		t.Fatalf("artifact count = %d, want 1", len(task.Artifacts))
	}
	artifact := task.Artifacts[0]
	if artifact.Parts[0].Text != "the answer" {
		t.Errorf("artifact text = %q", artifact.Parts[0].Text)
	}
	if len(artifact.Parts) != 2 || artifact.Parts[1].Type != kbflow.PartTypeData {
		t.Errorf("references not carried as data part: %+v", artifact.Parts)
	}
	// History: question, then the completion message.
	if len(task.History) != 2 {
		t.Errorf("history length = %d, want 2", len(task.History))
	}
}

func TestSubmitTaskIncompatibleModality(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: answerWith("unused", nil)}
	m, s := newTestManager(t, fb)

	params := submitParams("task-1", "q")
	params.AcceptedOutputModes = []string{"image/png"}

	_, err := m.SubmitTask(ctx, params)
	var incompatible kbflow.ContentTypeNotSupportedError
	if !errors.As(err, &incompatible) {
		t.Fatalf("error = %v, want ContentTypeNotSupportedError", err)
	}

	// Validation precedes any mutation.
	if _, err := s.GetTask(ctx, "task-1"); err == nil {
		t.Error("task was created despite failed validation")
	}
}

func TestSubmitTaskBackendFailureBecomesErrorState(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: func(context.Context, string, string) (*backend.Result, error) {
		return nil, &backend.RetryExhaustedError{Operation: "answer", Attempts: 3, LastErr: errors.New("503")}
	}}
	m, _ := newTestManager(t, fb)

	task, err := m.SubmitTask(ctx, submitParams("task-1", "q"))
	if err != nil {
		t.Fatalf("SubmitTask returned error %v, want error state on task", err)
	}
	if task.Status.State != kbflow.TaskStateError {
		t.Errorf("state = %q, want error", task.Status.State)
	}
	// The user-safe message must not leak the upstream detail.
	text, _ := task.Status.Message.Text()
	if text == "" || text != msgBackendFailed {
		t.Errorf("status message = %q", text)
	}
}

func TestSubmitTaskTerminalStateImmutable(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: answerWith("first answer", nil)}
	m, _ := newTestManager(t, fb)

	if _, err := m.SubmitTask(ctx, submitParams("task-1", "first question")); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	before, err := m.GetTask(ctx, "task-1", 10)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}

	fb.answerFn = answerWith("second answer", nil)
	_, err = m.SubmitTask(ctx, submitParams("task-1", "second question"))
	var notUpdatable kbflow.TaskNotUpdatableError
	if !errors.As(err, &notUpdatable) {
		t.Fatalf("error = %v, want TaskNotUpdatableError", err)
	}
	if notUpdatable.State != kbflow.TaskStateCompleted {
		t.Errorf("rejected state = %q, want completed", notUpdatable.State)
	}
	if notUpdatable.Code() != kbflow.ErrorCodeTaskNotUpdatable {
		t.Errorf("code = %d, want %d", notUpdatable.Code(), kbflow.ErrorCodeTaskNotUpdatable)
	}

	// A terminal task reads back identically after the rejected write.
	after, err := m.GetTask(ctx, "task-1", 10)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("terminal task mutated (-before +after):\n%s", diff)
	}
	if after.Artifacts[0].Parts[0].Text != "first answer" {
		t.Errorf("artifact text = %q, want first answer", after.Artifacts[0].Parts[0].Text)
	}

	// The streaming path rejects terminal tasks the same way.
	_, err = m.SubmitTaskStreaming(ctx, submitParams("task-1", "third question"))
	if !errors.As(err, &notUpdatable) {
		t.Fatalf("streaming error = %v, want TaskNotUpdatableError", err)
	}
}

func TestSubmitTaskInputRequiredThenResubmit(t *testing.T) {
	ctx := context.Background()
	needInput := true
	fb := &fakeBackend{answerFn: func(context.Context, string, string) (*backend.Result, error) {
		if needInput {
			return &backend.Result{NeedsInput: true, Content: "which version?"}, nil
		}
		return &backend.Result{Content: "version 2 does that"}, nil
	}}
	m, _ := newTestManager(t, fb)

	task, err := m.SubmitTask(ctx, submitParams("task-1", "how does it work?"))
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if task.Status.State != kbflow.TaskStateInputRequired {
		t.Fatalf("state = %q, want input_required", task.Status.State)
	}

	needInput = false
	task, err = m.SubmitTask(ctx, submitParams("task-1", "version 2"))
	if err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}
	if task.Status.State != kbflow.TaskStateCompleted {
		t.Errorf("state after resubmission = %q, want completed", task.Status.State)
	}

	// Resubmission appends, never replaces.
	var texts []string
	for _, msg := range task.History {
		text, _ := msg.Text()
		texts = append(texts, text)
	}
	want := []string{"how does it work?", "which version?", "version 2", "version 2 does that"}
	if diff := cmp.Diff(want, texts); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitTaskPushConfigRejected(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: answerWith("unused", nil)}
	notifier := &fakeNotifier{verifyOK: false}
	m, s := newTestManager(t, fb, WithNotifier(notifier))

	params := submitParams("task-1", "q")
	params.PushNotification = &kbflow.PushNotificationConfig{URL: "https://example.com/hook"}

	_, err := m.SubmitTask(ctx, params)
	var invalid kbflow.InvalidParamsError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want InvalidParamsError", err)
	}

	has, _ := s.HasPushConfig(ctx, "task-1")
	if has {
		t.Error("rejected push config was stored")
	}
}

func TestSubmitTaskPushNotificationsDelivered(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: answerWith("done", nil)}
	notifier := &fakeNotifier{verifyOK: true}
	m, _ := newTestManager(t, fb, WithNotifier(notifier))

	params := submitParams("task-1", "q")
	params.PushNotification = &kbflow.PushNotificationConfig{URL: "https://example.com/hook", Token: "tok"}

	if _, err := m.SubmitTask(ctx, params); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if len(notifier.verified) != 1 {
		t.Errorf("verification probes = %d, want 1", len(notifier.verified))
	}
	// One delivery per state write: working, then completed.
	if got := notifier.sendCount(); got != 2 {
		t.Errorf("deliveries = %d, want 2", got)
	}
}

// brokenConfigStore fails every push config lookup.
type brokenConfigStore struct {
	store.Store
}

func (b *brokenConfigStore) HasPushConfig(ctx context.Context, taskID string) (bool, error) {
	return false, fmt.Errorf("config lookup: disk failure")
}

func TestSubmitTaskPushConfigLookupFailureSkipsDelivery(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: answerWith("done", nil)}
	notifier := &fakeNotifier{verifyOK: true}
	s := &brokenConfigStore{Store: store.NewMemoryStore()}
	m, err := NewManager(s, fb, WithNotifier(notifier))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	params := submitParams("task-1", "q")
	params.PushNotification = &kbflow.PushNotificationConfig{URL: "https://example.com/hook", Token: "tok"}

	task, err := m.SubmitTask(ctx, params)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if task.Status.State != kbflow.TaskStateCompleted {
		t.Errorf("state = %q, want completed", task.Status.State)
	}
	if got := notifier.sendCount(); got != 0 {
		t.Errorf("deliveries = %d, want 0", got)
	}
}

func TestSubmitTaskStreamingEventSequence(t *testing.T) {
	ctx := context.Background()
	refs := map[string]any{"chunks": []any{map[string]any{"content": "doc"}}}
	fb := &fakeBackend{streamFn: func(context.Context, string, string) (AnswerStream, error) {
		return newFakeStream(nil,
			backend.Chunk{Content: "The"},
			backend.Chunk{Content: "The answer"},
			backend.Chunk{Content: "The answer", References: refs, Final: true},
		), nil
	}}
	m, s := newTestManager(t, fb)

	queue, err := m.SubmitTaskStreaming(ctx, submitParams("task-1", "q"))
	if err != nil {
		t.Fatalf("SubmitTaskStreaming failed: %v", err)
	}

	var events []kbflow.StreamEvent
	for {
		ev, err := queue.Get(ctx)
		if err != nil {
			break
		}
		events = append(events, ev)
		if kbflow.IsFinalEvent(ev) {
			break
		}
	}

	// working, two chunk updates, artifact, final completed status.
	if len(events) != 5 {
		t.Fatalf("event count = %d, want 5: %v", len(events), events)
	}
	for i, ev := range events[:3] {
		status, ok := ev.(*kbflow.TaskStatusUpdateEvent)
		if !ok || status.Status.State != kbflow.TaskStateWorking || status.Final {
			t.Errorf("event %d = %v, want non-final working status", i, ev)
		}
	}
	artifactEv, ok := events[3].(*kbflow.TaskArtifactUpdateEvent)
	if !ok {
		t.Fatalf("event 3 = %v, want artifact event", events[3])
	}
	if artifactEv.Artifact.Parts[0].Text != "The answer" {
		t.Errorf("artifact text = %q", artifactEv.Artifact.Parts[0].Text)
	}
	finalEv, ok := events[4].(*kbflow.TaskStatusUpdateEvent)
	if !ok || !finalEv.Final || finalEv.Status.State != kbflow.TaskStateCompleted {
		t.Fatalf("event 4 = %v, want final completed status", events[4])
	}

	// The terminal state was persisted before the final event fired.
	task, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status.State != kbflow.TaskStateCompleted {
		t.Errorf("persisted state = %q, want completed", task.Status.State)
	}
	if len(task.Artifacts) != 1 {
		t.Errorf("persisted artifacts = %d, want 1", len(task.Artifacts))
	}
}

func TestSubmitTaskStreamingErrorEndsStream(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{streamFn: func(context.Context, string, string) (AnswerStream, error) {
		return newFakeStream(errors.New("connection reset"),
			backend.Chunk{Content: "partial"},
		), nil
	}}
	m, s := newTestManager(t, fb)

	queue, err := m.SubmitTaskStreaming(ctx, submitParams("task-1", "q"))
	if err != nil {
		t.Fatalf("SubmitTaskStreaming failed: %v", err)
	}

	var last kbflow.StreamEvent
	for {
		ev, err := queue.Get(ctx)
		if err != nil {
			break
		}
		last = ev
		if kbflow.IsFinalEvent(ev) {
			break
		}
	}

	status, ok := last.(*kbflow.TaskStatusUpdateEvent)
	if !ok || status.Status.State != kbflow.TaskStateError || !status.Final {
		t.Fatalf("last event = %v, want final error status", last)
	}

	task, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status.State != kbflow.TaskStateError {
		t.Errorf("persisted state = %q, want error (never dangling in working)", task.Status.State)
	}
}

func TestSubmitTaskStreamingRunsWithoutSubscribers(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	fb := &fakeBackend{streamFn: func(context.Context, string, string) (AnswerStream, error) {
		<-release
		return newFakeStream(nil, backend.Chunk{Content: "done", Final: true}), nil
	}}
	m, s := newTestManager(t, fb)

	queue, err := m.SubmitTaskStreaming(ctx, submitParams("task-1", "q"))
	if err != nil {
		t.Fatalf("SubmitTaskStreaming failed: %v", err)
	}

	// Detach before the backend produces anything.
	m.Unsubscribe("task-1", queue)
	close(release)

	deadline := time.After(5 * time.Second)
	for {
		task, err := s.GetTask(ctx, "task-1")
		if err == nil && task.Status.State.IsTerminal() {
			if task.Status.State != kbflow.TaskStateCompleted {
				t.Errorf("state = %q, want completed", task.Status.State)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("producer did not finish after subscriber detached")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGetTaskHistoryLength(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: answerWith("a", nil)}
	m, _ := newTestManager(t, fb)

	if _, err := m.SubmitTask(ctx, submitParams("task-1", "q")); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	// Zero history length yields no history at all.
	task, err := m.GetTask(ctx, "task-1", 0)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if len(task.History) != 0 {
		t.Errorf("history length = %d with historyLength 0", len(task.History))
	}

	task, err = m.GetTask(ctx, "task-1", 1)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if len(task.History) != 1 {
		t.Errorf("history length = %d, want 1 (most recent)", len(task.History))
	}
}

func TestGetTaskNotFound(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{}
	m, _ := newTestManager(t, fb)

	_, err := m.GetTask(ctx, "missing", 0)
	var notFound kbflow.TaskNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want TaskNotFoundError", err)
	}
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: answerWith("a", nil)}
	m, _ := newTestManager(t, fb)

	err := m.CancelTask(ctx, "missing")
	var notFound kbflow.TaskNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want TaskNotFoundError", err)
	}

	if _, err := m.SubmitTask(ctx, submitParams("task-1", "q")); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	err = m.CancelTask(ctx, "task-1")
	var notCancelable kbflow.TaskNotCancelableError
	if !errors.As(err, &notCancelable) {
		t.Fatalf("error = %v, want TaskNotCancelableError", err)
	}
}

func TestSetPushNotificationVerifies(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: answerWith("a", nil)}
	notifier := &fakeNotifier{verifyOK: true}
	m, _ := newTestManager(t, fb, WithNotifier(notifier))

	if _, err := m.SubmitTask(ctx, submitParams("task-1", "q")); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	config := &kbflow.PushNotificationConfig{URL: "https://example.com/hook"}
	got, err := m.SetPushNotification(ctx, "task-1", config)
	if err != nil {
		t.Fatalf("SetPushNotification failed: %v", err)
	}
	if got.URL != config.URL {
		t.Errorf("returned config URL = %q", got.URL)
	}

	stored, err := m.GetPushNotification(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetPushNotification failed: %v", err)
	}
	if stored.URL != config.URL {
		t.Errorf("stored config URL = %q", stored.URL)
	}
}

func TestResubscribeLifecycle(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	fb := &fakeBackend{streamFn: func(context.Context, string, string) (AnswerStream, error) {
		<-release
		return newFakeStream(nil, backend.Chunk{Content: "done", Final: true}), nil
	}}
	m, _ := newTestManager(t, fb)

	first, err := m.SubmitTaskStreaming(ctx, submitParams("task-1", "q"))
	if err != nil {
		t.Fatalf("SubmitTaskStreaming failed: %v", err)
	}

	// A second subscriber can attach while the producer is live.
	second, err := m.Resubscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}

	close(release)

	drain := func(q interface {
		Get(context.Context) (kbflow.StreamEvent, error)
	}) kbflow.StreamEvent {
		var last kbflow.StreamEvent
		for {
			ev, err := q.Get(ctx)
			if err != nil {
				return last
			}
			last = ev
			if kbflow.IsFinalEvent(ev) {
				return last
			}
		}
	}

	for i, q := range []interface {
		Get(context.Context) (kbflow.StreamEvent, error)
	}{first, second} {
		last := drain(q)
		status, ok := last.(*kbflow.TaskStatusUpdateEvent)
		if !ok || status.Status.State != kbflow.TaskStateCompleted {
			t.Errorf("subscriber %d last event = %v, want completed", i, last)
		}
	}

	// After the producer closes the set, resubscription fails.
	_, err = m.Resubscribe(ctx, "task-1")
	var notFound kbflow.TaskNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want TaskNotFoundError after completion", err)
	}
}

func TestConcurrentSubmissionsSerializedPerTask(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBackend{answerFn: func(_ context.Context, _, question string) (*backend.Result, error) {
		time.Sleep(time.Millisecond)
		return &backend.Result{Content: "answer to " + question}, nil
	}}
	m, s := newTestManager(t, fb)

	const n = 8
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SubmitTask(ctx, submitParams("task-1", fmt.Sprintf("q%d", i)))
			if err != nil {
				t.Errorf("SubmitTask failed: %v", err)
			}
		}()
	}
	wg.Wait()

	task, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	// Each submission appends exactly its question and one agent message.
	if len(task.History) != 2*n {
		t.Errorf("history length = %d, want %d", len(task.History), 2*n)
	}
	if !task.Status.State.IsTerminal() {
		t.Errorf("state = %q, want terminal", task.Status.State)
	}
}
