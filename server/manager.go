// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package server owns the task lifecycle: it validates submissions,
// serializes state mutations per task, drives the answering backend, and
// fans progress events out to live subscribers and webhook receivers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbflow/kbflow"
	"github.com/kbflow/kbflow/backend"
	"github.com/kbflow/kbflow/server/event"
	"github.com/kbflow/kbflow/server/notify"
	"github.com/kbflow/kbflow/server/store"
)

// User-safe failure messages. The underlying detail is logged only.
const (
	msgBackendFailed  = "The knowledge base service could not answer. Please try again later."
	msgInternalFailed = "An internal error occurred while processing the task."
)

// AnswerStream is a live incremental answer, as produced by the backend
// client.
type AnswerStream interface {
	// Chunks returns the channel of answer records.
	Chunks() <-chan backend.Chunk

	// Err returns the stream failure, if any, once Chunks has closed.
	Err() error

	// Close abandons the stream.
	Close()
}

// Backend is the answering service consumed by the manager.
type Backend interface {
	// SupportedContentTypes returns the output modalities the backend
	// produces.
	SupportedContentTypes() []string

	// EnsureSession resolves or creates the backend session for a caller
	// session ID.
	EnsureSession(ctx context.Context, callerSessionID string) (string, error)

	// Answer makes one blocking answer call.
	Answer(ctx context.Context, backendSessionID, question string) (*backend.Result, error)

	// AnswerStream opens an incremental answer call.
	AnswerStream(ctx context.Context, backendSessionID, question string) (AnswerStream, error)
}

// WrapBackend adapts a backend client to the Backend interface.
func WrapBackend(c *backend.Client) Backend {
	return backendClient{c}
}

type backendClient struct {
	*backend.Client
}

func (b backendClient) AnswerStream(ctx context.Context, backendSessionID, question string) (AnswerStream, error) {
	stream, err := b.Client.AnswerStream(ctx, backendSessionID, question)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Notifier verifies webhook URL ownership and delivers task snapshots.
type Notifier interface {
	// VerifyURL checks that the caller controls the webhook URL.
	VerifyURL(ctx context.Context, url string) (bool, error)

	// Send delivers the payload to the webhook URL.
	Send(ctx context.Context, url, callerToken string, payload any) error
}

var (
	_ AnswerStream = (*backend.Stream)(nil)
	_ Notifier     = (*notify.Dispatcher)(nil)
)

// Manager coordinates tasks over the answering backend. All state lives
// in the Store; per-task mutations are serialized with a keyed mutex so
// concurrent submissions and background stream updates cannot interleave.
type Manager struct {
	store     store.Store
	bus       *event.Bus
	backend   Backend
	notifier  Notifier
	taskLocks keyedMutex
	logger    *slog.Logger
	tracer    trace.Tracer
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBus sets the event bus used for streaming subscriptions.
func WithBus(bus *event.Bus) ManagerOption {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithNotifier sets the push-notification dispatcher.
func WithNotifier(notifier Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifier = notifier
	}
}

// WithLogger sets the logger for the Manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTracer sets the tracer for the Manager.
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// NewManager creates a Manager over the given store and backend.
func NewManager(s store.Store, b Backend, opts ...ManagerOption) (*Manager, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	m := &Manager{
		store:   s,
		bus:     event.NewBus(),
		backend: b,
		logger:  slog.Default(),
		tracer:  otel.GetTracerProvider().Tracer("github.com/kbflow/kbflow/server"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SubmitTask handles a synchronous submission: the backend is invoked
// before the call returns, and the returned task carries the terminal
// state of this exchange. Backend failures surface as task state error,
// not as a returned Go error; only pre-mutation validation fails the call.
func (m *Manager) SubmitTask(ctx context.Context, params *kbflow.TaskSendParams) (*kbflow.Task, error) {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.SubmitTask",
		trace.WithAttributes(attribute.String("kbflow.task_id", taskIDOf(params))))
	defer span.End()

	question, err := m.validateSubmission(ctx, params)
	if err != nil {
		return nil, err
	}

	m.taskLocks.lock(params.ID)
	defer m.taskLocks.unlock(params.ID)

	if err := m.ensureUpdatable(ctx, params.ID); err != nil {
		return nil, err
	}
	if _, err := m.store.UpsertTask(ctx, params); err != nil {
		return nil, kbflow.InternalError{Msg: msgInternalFailed, Err: err}
	}
	if _, err := m.writeState(ctx, params.ID, kbflow.TaskStatus{State: kbflow.TaskStateWorking}, nil); err != nil {
		return nil, kbflow.InternalError{Msg: msgInternalFailed, Err: err}
	}

	status, artifacts := m.invokeBackend(ctx, params.SessionID, question)

	task, err := m.writeState(ctx, params.ID, status, artifacts)
	if err != nil {
		return nil, kbflow.InternalError{Msg: msgInternalFailed, Err: err}
	}

	m.logger.InfoContext(ctx, "task finished",
		slog.String("task_id", params.ID),
		slog.String("state", string(task.Status.State)))
	return kbflow.TrimHistory(task, params.HistoryLength), nil
}

// SubmitTaskStreaming handles a streaming submission. It validates and
// records the task, subscribes the caller, and runs the backend call as a
// background producer. The returned queue delivers working status updates
// per received chunk and exactly one terminal event; the producer runs to
// completion and persists its final state even if every subscriber
// detaches.
func (m *Manager) SubmitTaskStreaming(ctx context.Context, params *kbflow.TaskSendParams) (*event.Queue, error) {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.SubmitTaskStreaming",
		trace.WithAttributes(attribute.String("kbflow.task_id", taskIDOf(params))))
	defer span.End()

	question, err := m.validateSubmission(ctx, params)
	if err != nil {
		return nil, err
	}

	m.taskLocks.lock(params.ID)
	if err := m.ensureUpdatable(ctx, params.ID); err != nil {
		m.taskLocks.unlock(params.ID)
		return nil, err
	}
	if _, err := m.store.UpsertTask(ctx, params); err != nil {
		m.taskLocks.unlock(params.ID)
		return nil, kbflow.InternalError{Msg: msgInternalFailed, Err: err}
	}
	m.taskLocks.unlock(params.ID)

	queue, err := m.bus.Subscribe(params.ID, true)
	if err != nil {
		return nil, kbflow.InternalError{Msg: msgInternalFailed, Err: err}
	}

	// The producer outlives the request context.
	producerCtx := context.WithoutCancel(ctx)
	go m.produce(producerCtx, params.ID, params.SessionID, question)

	return queue, nil
}

// GetTask retrieves a task. historyLength bounds the returned history:
// zero or negative yields none, n yields the most recent n entries.
func (m *Manager) GetTask(ctx context.Context, taskID string, historyLength int) (*kbflow.Task, error) {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.GetTask",
		trace.WithAttributes(attribute.String("kbflow.task_id", taskID)))
	defer span.End()

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return kbflow.TrimHistory(task, historyLength), nil
}

// CancelTask rejects cancellation. Tasks here are not cancelable by
// policy: an existing task yields TaskNotCancelableError, an unknown one
// TaskNotFoundError.
func (m *Manager) CancelTask(ctx context.Context, taskID string) error {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.CancelTask",
		trace.WithAttributes(attribute.String("kbflow.task_id", taskID)))
	defer span.End()

	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	return kbflow.TaskNotCancelableError{TaskID: taskID}
}

// SetPushNotification registers a webhook for a task after a one-time
// ownership probe of the URL. Verification failure rejects the config
// without storing it.
func (m *Manager) SetPushNotification(ctx context.Context, taskID string, config *kbflow.PushNotificationConfig) (*kbflow.PushNotificationConfig, error) {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.SetPushNotification",
		trace.WithAttributes(attribute.String("kbflow.task_id", taskID)))
	defer span.End()

	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	if err := m.verifyAndSaveConfig(ctx, taskID, config); err != nil {
		return nil, err
	}
	return config, nil
}

// GetPushNotification retrieves the webhook config for a task.
func (m *Manager) GetPushNotification(ctx context.Context, taskID string) (*kbflow.PushNotificationConfig, error) {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.GetPushNotification",
		trace.WithAttributes(attribute.String("kbflow.task_id", taskID)))
	defer span.End()

	return m.store.GetPushConfig(ctx, taskID)
}

// Resubscribe attaches a new queue to a task whose producer is still
// live. Once the producer finished and the subscriber set is gone, it
// fails; callers fall back to GetTask.
func (m *Manager) Resubscribe(ctx context.Context, taskID string) (*event.Queue, error) {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.Resubscribe",
		trace.WithAttributes(attribute.String("kbflow.task_id", taskID)))
	defer span.End()

	queue, err := m.bus.Subscribe(taskID, false)
	if err != nil {
		m.logger.InfoContext(ctx, "resubscribe to inactive task",
			slog.String("task_id", taskID))
		return nil, kbflow.TaskNotFoundError{TaskID: taskID}
	}
	return queue, nil
}

// ListTasks retrieves tasks, optionally filtered by session ID.
func (m *Manager) ListTasks(ctx context.Context, sessionID string, limit, offset int) ([]*kbflow.Task, error) {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.ListTasks")
	defer span.End()

	return m.store.ListTasks(ctx, sessionID, limit, offset)
}

// CountTasks returns the number of tasks, optionally filtered by session.
func (m *Manager) CountTasks(ctx context.Context, sessionID string) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.CountTasks")
	defer span.End()

	return m.store.CountTasks(ctx, sessionID)
}

// Unsubscribe detaches one queue from a task's subscriber set. The
// background producer keeps running.
func (m *Manager) Unsubscribe(taskID string, queue *event.Queue) {
	m.bus.Unsubscribe(taskID, queue)
}

// validateSubmission runs every pre-mutation check and returns the
// question text. Validation errors propagate to the caller as typed
// errors; nothing is written before they pass.
func (m *Manager) validateSubmission(ctx context.Context, params *kbflow.TaskSendParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", kbflow.InvalidParamsError{Msg: err.Error()}
	}

	supported := m.backend.SupportedContentTypes()
	if !kbflow.AreModalitiesCompatible(params.AcceptedOutputModes, supported) {
		m.logger.WarnContext(ctx, "unsupported output modes",
			slog.String("task_id", params.ID),
			slog.Any("accepted", params.AcceptedOutputModes),
			slog.Any("supported", supported))
		return "", kbflow.ContentTypeNotSupportedError{
			Accepted:  params.AcceptedOutputModes,
			Supported: supported,
		}
	}

	question, err := params.Message.Text()
	if err != nil {
		return "", kbflow.InvalidParamsError{Msg: err.Error()}
	}

	if params.PushNotification != nil {
		if err := m.verifyAndSaveConfig(ctx, params.ID, params.PushNotification); err != nil {
			return "", err
		}
	}
	return question, nil
}

// ensureUpdatable rejects writes against a task already in a terminal
// state. An unknown task is fine (fresh submission), and input_required
// is not terminal, so resubmission with more input passes. Callers hold
// the task lock.
func (m *Manager) ensureUpdatable(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		var notFound kbflow.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return kbflow.InternalError{Msg: msgInternalFailed, Err: err}
	}
	if task.Status.State.IsTerminal() {
		m.logger.WarnContext(ctx, "submission to terminal task rejected",
			slog.String("task_id", taskID),
			slog.String("state", string(task.Status.State)))
		return kbflow.TaskNotUpdatableError{TaskID: taskID, State: task.Status.State}
	}
	return nil
}

// verifyAndSaveConfig probes the webhook URL and persists the config only
// when the probe passes.
func (m *Manager) verifyAndSaveConfig(ctx context.Context, taskID string, config *kbflow.PushNotificationConfig) error {
	if err := config.Validate(); err != nil {
		return kbflow.InvalidParamsError{Msg: err.Error()}
	}
	if m.notifier == nil {
		return kbflow.InvalidParamsError{Msg: "push notifications are not enabled"}
	}

	verified, err := m.notifier.VerifyURL(ctx, config.URL)
	if err != nil {
		return kbflow.InvalidParamsError{Msg: err.Error()}
	}
	if !verified {
		m.logger.WarnContext(ctx, "push notification URL failed verification",
			slog.String("task_id", taskID),
			slog.String("url", config.URL))
		return kbflow.InvalidParamsError{Msg: "push notification URL verification failed"}
	}
	if err := m.store.SavePushConfig(ctx, taskID, config); err != nil {
		return kbflow.InternalError{Msg: msgInternalFailed, Err: err}
	}
	return nil
}

// invokeBackend runs the blocking answer call and maps its outcome to a
// terminal status plus artifacts. Failures become task state error with a
// user-safe message; the detail is logged here and goes no further.
func (m *Manager) invokeBackend(ctx context.Context, sessionID, question string) (kbflow.TaskStatus, []*kbflow.Artifact) {
	backendSession, err := m.backend.EnsureSession(ctx, sessionID)
	if err != nil {
		m.logger.ErrorContext(ctx, "backend session creation failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return kbflow.TaskStatus{
			State:   kbflow.TaskStateError,
			Message: kbflow.NewAgentTextMessage(msgBackendFailed),
		}, nil
	}

	result, err := m.backend.Answer(ctx, backendSession, question)
	if err != nil {
		m.logger.ErrorContext(ctx, "backend answer failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return kbflow.TaskStatus{
			State:   kbflow.TaskStateError,
			Message: kbflow.NewAgentTextMessage(msgBackendFailed),
		}, nil
	}

	if result.NeedsInput {
		return kbflow.TaskStatus{
			State:   kbflow.TaskStateInputRequired,
			Message: kbflow.NewAgentTextMessage(result.Content),
		}, nil
	}

	artifact := &kbflow.Artifact{
		Parts:     kbflow.NewAnswerParts(result.Content, result.References),
		Index:     0,
		LastChunk: true,
	}
	return kbflow.TaskStatus{
		State:   kbflow.TaskStateCompleted,
		Message: kbflow.NewAgentTextMessage(result.Content),
	}, []*kbflow.Artifact{artifact}
}

// produce is the background streaming producer. It emits a working status
// update per received chunk, then exactly one terminal event, and closes
// the task's subscriber set. Whatever goes wrong, the task never stays in
// working: storage or backend failure forces state error.
func (m *Manager) produce(ctx context.Context, taskID, sessionID, question string) {
	ctx, span := m.tracer.Start(ctx, "kbflow.manager.produce",
		trace.WithAttributes(attribute.String("kbflow.task_id", taskID)))
	defer span.End()
	defer m.bus.CloseTask(taskID)

	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "streaming producer panicked",
				slog.String("task_id", taskID),
				slog.Any("panic", r))
			m.finishError(ctx, taskID, fmt.Errorf("producer panic: %v", r))
		}
	}()

	m.taskLocks.lock(taskID)
	_, err := m.writeState(ctx, taskID, kbflow.TaskStatus{State: kbflow.TaskStateWorking}, nil)
	m.taskLocks.unlock(taskID)
	if err != nil {
		m.finishError(ctx, taskID, err)
		return
	}
	m.bus.Publish(taskID, &kbflow.TaskStatusUpdateEvent{
		ID:     taskID,
		Status: kbflow.TaskStatus{State: kbflow.TaskStateWorking},
	})

	backendSession, err := m.backend.EnsureSession(ctx, sessionID)
	if err != nil {
		m.finishError(ctx, taskID, err)
		return
	}
	stream, err := m.backend.AnswerStream(ctx, backendSession, question)
	if err != nil {
		m.finishError(ctx, taskID, err)
		return
	}
	defer stream.Close()

	var final backend.Chunk
	for chunk := range stream.Chunks() {
		if chunk.Final {
			final = chunk
			continue
		}
		m.bus.Publish(taskID, &kbflow.TaskStatusUpdateEvent{
			ID: taskID,
			Status: kbflow.TaskStatus{
				State:   kbflow.TaskStateWorking,
				Message: kbflow.NewAgentTextMessage(chunk.Content),
			},
		})
	}
	if err := stream.Err(); err != nil {
		m.finishError(ctx, taskID, err)
		return
	}

	if final.Content == "" {
		m.finishInputRequired(ctx, taskID)
		return
	}
	m.finishCompleted(ctx, taskID, final)
}

// finishCompleted persists the completed state with its artifact and
// publishes the artifact event followed by the final status event.
func (m *Manager) finishCompleted(ctx context.Context, taskID string, final backend.Chunk) {
	artifact := &kbflow.Artifact{
		Parts:     kbflow.NewAnswerParts(final.Content, final.References),
		Index:     0,
		LastChunk: true,
	}
	status := kbflow.TaskStatus{
		State:   kbflow.TaskStateCompleted,
		Message: kbflow.NewAgentTextMessage(final.Content),
	}

	m.taskLocks.lock(taskID)
	task, err := m.writeState(ctx, taskID, status, []*kbflow.Artifact{artifact})
	m.taskLocks.unlock(taskID)
	if err != nil {
		m.finishError(ctx, taskID, err)
		return
	}

	m.bus.Publish(taskID, &kbflow.TaskArtifactUpdateEvent{ID: taskID, Artifact: artifact})
	m.bus.Publish(taskID, &kbflow.TaskStatusUpdateEvent{
		ID:     taskID,
		Status: task.Status,
		Final:  true,
	})
	m.logger.InfoContext(ctx, "streaming task completed", slog.String("task_id", taskID))
}

// finishInputRequired persists input_required and publishes it as the
// end-of-stream event.
func (m *Manager) finishInputRequired(ctx context.Context, taskID string) {
	status := kbflow.TaskStatus{
		State:   kbflow.TaskStateInputRequired,
		Message: kbflow.NewAgentTextMessage("The knowledge base could not answer; please provide more detail."),
	}

	m.taskLocks.lock(taskID)
	task, err := m.writeState(ctx, taskID, status, nil)
	m.taskLocks.unlock(taskID)
	if err != nil {
		m.finishError(ctx, taskID, err)
		return
	}

	m.bus.Publish(taskID, &kbflow.TaskStatusUpdateEvent{
		ID:     taskID,
		Status: task.Status,
		Final:  true,
	})
}

// finishError forces the task into state error and publishes the terminal
// event. If even the state write fails, subscribers still receive an
// error event before the stream closes.
func (m *Manager) finishError(ctx context.Context, taskID string, cause error) {
	m.logger.ErrorContext(ctx, "streaming task failed",
		slog.String("task_id", taskID),
		slog.String("error", cause.Error()))

	status := kbflow.TaskStatus{
		State:   kbflow.TaskStateError,
		Message: kbflow.NewAgentTextMessage(msgBackendFailed),
	}

	m.taskLocks.lock(taskID)
	task, err := m.writeState(ctx, taskID, status, nil)
	m.taskLocks.unlock(taskID)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to persist error state",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		m.bus.Publish(taskID, kbflow.NewErrorEvent(kbflow.InternalError{Msg: msgInternalFailed, Err: err}))
		return
	}

	m.bus.Publish(taskID, &kbflow.TaskStatusUpdateEvent{
		ID:     taskID,
		Status: task.Status,
		Final:  true,
	})
}

// writeState persists a status transition and fires the best-effort
// webhook notification. Callers hold the task lock.
func (m *Manager) writeState(ctx context.Context, taskID string, status kbflow.TaskStatus, artifacts []*kbflow.Artifact) (*kbflow.Task, error) {
	task, err := m.store.UpdateTask(ctx, taskID, status, artifacts)
	if err != nil {
		return nil, err
	}
	m.notifyState(ctx, task)
	return task, nil
}

// notifyState delivers the task snapshot to its registered webhook, if
// any. Failures are logged and never block state progression.
func (m *Manager) notifyState(ctx context.Context, task *kbflow.Task) {
	if m.notifier == nil {
		return
	}
	has, err := m.store.HasPushConfig(ctx, task.ID)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to check push notification config",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}
	if !has {
		m.logger.DebugContext(ctx, "no push notification config",
			slog.String("task_id", task.ID))
		return
	}
	config, err := m.store.GetPushConfig(ctx, task.ID)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to load push notification config",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}
	if err := m.notifier.Send(ctx, config.URL, config.Token, task); err != nil {
		m.logger.WarnContext(ctx, "push notification delivery failed",
			slog.String("task_id", task.ID),
			slog.String("url", config.URL),
			slog.String("error", err.Error()))
	}
}

func taskIDOf(params *kbflow.TaskSendParams) string {
	if params == nil {
		return ""
	}
	return params.ID
}

// keyedMutex serializes operations per task ID. Entries are reference
// counted and removed when the last holder releases, so idle tasks hold
// no lock state.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*taskLock)
	}
	entry, ok := k.locks[id]
	if !ok {
		entry = &taskLock{}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

func (k *keyedMutex) unlock(id string) {
	k.mu.Lock()
	entry := k.locks[id]
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}
