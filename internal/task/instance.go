// Package task hosts the per-task lifecycle actor and its directory. The
// task instance is the integration point the ingress layer talks to.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/taskgate/internal/actor"
	"github.com/example/taskgate/internal/balancer"
	"github.com/example/taskgate/internal/observability"
	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/pkg/gateapi"
)

const (
	syncWait = 30 * time.Second
	syncPoll = 100 * time.Millisecond
)

// ServerSelector is the load balancer's selection surface. An empty id
// means no candidate qualified.
type ServerSelector interface {
	SelectServer(ctx context.Context, criteria balancer.SelectionCriteria) string
}

// Dispatcher forwards a task to the chosen server instance.
type Dispatcher interface {
	ExecuteTask(ctx context.Context, serverID, taskID string, req gateapi.TaskRequest, callbackURL string) error
}

// Recorder receives lifecycle events for the stats rollups.
type Recorder interface {
	RecordTaskStart(taskID, serverID string)
	RecordTaskComplete(taskID, serverID string, success bool, duration time.Duration, retries int)
}

type Options struct {
	TaskTimeout  time.Duration
	CleanupDelay time.Duration
	MaxRetries   int
	CallbackBase string
}

func (o Options) withDefaults() Options {
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = time.Hour
	}
	if o.CleanupDelay <= 0 {
		o.CleanupDelay = 5 * time.Minute
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	return o
}

type Instance struct {
	mu         sync.Mutex
	id         string
	task       *gateapi.Task
	retryCount int
	createdAt  time.Time
	notified   bool
	started    bool

	opts       Options
	clk        actor.Clock
	kv         state.KV
	table      state.TaskTable
	selector   ServerSelector
	dispatcher Dispatcher
	recorder   Recorder
	timer      *actor.Timer
	purge      func(taskID string)
}

func newInstance(id string, opts Options, clk actor.Clock, kv state.KV, table state.TaskTable,
	selector ServerSelector, dispatcher Dispatcher, recorder Recorder, purge func(string)) *Instance {
	return &Instance{
		id:         id,
		opts:       opts.withDefaults(),
		clk:        clk,
		kv:         kv,
		table:      table,
		selector:   selector,
		dispatcher: dispatcher,
		recorder:   recorder,
		timer:      actor.NewTimer(clk),
		purge:      purge,
	}
}

// CreateTask stores a new PENDING task, arms the timeout timer and kicks
// off assignment. Repeated calls return the existing task unchanged. The
// synchronous path polls its own stored status until terminal or the wait
// bound elapses.
func (i *Instance) CreateTask(ctx context.Context, req gateapi.TaskRequest) (gateapi.Task, error) {
	i.mu.Lock()
	if i.task != nil {
		snapshot := i.snapshotLocked()
		i.mu.Unlock()
		return snapshot, nil
	}
	now := i.clk.Now().UTC()
	i.task = &gateapi.Task{
		ID:        i.id,
		Status:    gateapi.TaskPending,
		Request:   req,
		Attempts:  []gateapi.TaskAttempt{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	i.createdAt = now
	i.persistLocked(ctx)
	snapshot := i.snapshotLocked()
	i.mu.Unlock()

	log.Printf("task id=%s status=%s created", i.id, gateapi.TaskPending)
	i.timer.Arm(i.opts.TaskTimeout, i.onTimeoutTimer)

	go func() {
		if err := i.assignAndExecute(context.Background()); err != nil {
			i.failAssignment(context.Background(), err)
		}
	}()

	if req.Async {
		return snapshot, nil
	}
	return i.waitForTerminal(ctx), nil
}

func (i *Instance) waitForTerminal(ctx context.Context) gateapi.Task {
	deadline := i.clk.Now().Add(syncWait)
	for i.clk.Now().Before(deadline) {
		i.mu.Lock()
		if gateapi.IsTerminalTaskStatus(i.task.Status) {
			snapshot := i.snapshotLocked()
			i.mu.Unlock()
			return snapshot
		}
		i.mu.Unlock()
		i.clk.Sleep(syncPoll)
	}

	i.mu.Lock()
	if !gateapi.IsTerminalTaskStatus(i.task.Status) {
		i.transitionLocked(ctx, gateapi.TaskTimeout, "synchronous wait elapsed")
	}
	snapshot := i.snapshotLocked()
	i.mu.Unlock()
	return snapshot
}

// assignAndExecute asks the balancer for a server and dispatches. The
// dispatch itself runs detached so a synchronous backend response can
// re-enter UpdateTask without deadlocking on this instance.
func (i *Instance) assignAndExecute(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "task.assign", attribute.String("task.id", i.id))
	defer span.End()

	i.mu.Lock()
	if i.task == nil || gateapi.IsTerminalTaskStatus(i.task.Status) {
		i.mu.Unlock()
		return nil
	}
	req := i.task.Request
	i.mu.Unlock()

	serverID := i.selector.SelectServer(ctx, balancer.SelectionCriteria{
		TaskType:             req.Type,
		Priority:             req.Priority,
		RequiredCapabilities: req.Capabilities,
	})
	if serverID == "" {
		return gateapi.ErrNoAvailableServers
	}

	i.mu.Lock()
	if i.task == nil || gateapi.IsTerminalTaskStatus(i.task.Status) {
		// Cancelled while we were selecting; never dispatch.
		i.mu.Unlock()
		return nil
	}
	i.task.ServerID = serverID
	i.task.Status = gateapi.TaskProcessing
	i.task.UpdatedAt = i.clk.Now().UTC()
	i.persistLocked(ctx)
	first := !i.started
	i.started = true
	i.mu.Unlock()

	log.Printf("task id=%s status=%s server=%s assigned", i.id, gateapi.TaskProcessing, serverID)
	if first {
		go i.recorder.RecordTaskStart(i.id, serverID)
	}

	callbackURL := i.opts.CallbackBase + "/api/task/" + i.id
	go func() {
		err := i.dispatcher.ExecuteTask(context.Background(), serverID, i.id, req, callbackURL)
		if err == nil {
			return
		}
		rejected := errors.Is(err, gateapi.ErrServerUnavailable) || errors.Is(err, gateapi.ErrAtCapacity)
		if req.Async && !rejected {
			// Backend error on the async path: stay PROCESSING and let the
			// callback or the timeout timer resolve it.
			log.Printf("task id=%s dispatch error, awaiting callback or timeout: %v", i.id, err)
			return
		}
		i.mu.Lock()
		if i.task != nil && i.task.Status == gateapi.TaskProcessing {
			i.transitionLocked(context.Background(), gateapi.TaskFailed, err.Error())
		}
		i.mu.Unlock()
	}()
	return nil
}

func (i *Instance) failAssignment(ctx context.Context, err error) {
	msg := err.Error()
	if errors.Is(err, gateapi.ErrNoAvailableServers) {
		msg = "No available servers"
	}
	i.mu.Lock()
	if i.task != nil && !gateapi.IsTerminalTaskStatus(i.task.Status) {
		i.transitionLocked(ctx, gateapi.TaskFailed, msg)
	}
	i.mu.Unlock()
}

// GetStatus returns a snapshot of the stored task.
func (i *Instance) GetStatus() (gateapi.Task, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.task == nil {
		return gateapi.Task{}, fmt.Errorf("%w: task %s", gateapi.ErrNotFound, i.id)
	}
	return i.snapshotLocked(), nil
}

// UpdateTask applies a backend-originated update. Only PROCESSING tasks
// accept updates.
func (i *Instance) UpdateTask(ctx context.Context, upd gateapi.TaskUpdate) (gateapi.Task, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.task == nil {
		return gateapi.Task{}, fmt.Errorf("%w: task %s", gateapi.ErrNotFound, i.id)
	}
	if i.task.Status != gateapi.TaskProcessing {
		return gateapi.Task{}, fmt.Errorf("%w: task %s is %s", gateapi.ErrIllegalTransition, i.id, i.task.Status)
	}
	if upd.Result != nil {
		i.task.Result = upd.Result
	}
	if upd.Progress != nil {
		i.task.Progress = *upd.Progress
	}
	if upd.Error != "" {
		i.task.Error = upd.Error
	}
	if upd.Status != "" && upd.Status != i.task.Status {
		if gateapi.IsTerminalTaskStatus(upd.Status) {
			i.transitionLocked(ctx, upd.Status, upd.Error)
		} else {
			i.task.Status = upd.Status
			i.task.UpdatedAt = i.clk.Now().UTC()
			i.persistLocked(ctx)
		}
	} else {
		i.task.UpdatedAt = i.clk.Now().UTC()
		i.persistLocked(ctx)
	}
	return i.snapshotLocked(), nil
}

// Retry re-queues a FAILED or TIMEOUT task. It reports false once the
// retry budget is spent or the status does not allow another attempt.
func (i *Instance) Retry(ctx context.Context) bool {
	i.mu.Lock()
	if i.task == nil || i.retryCount >= i.opts.MaxRetries {
		i.mu.Unlock()
		return false
	}
	if i.task.Status != gateapi.TaskFailed && i.task.Status != gateapi.TaskTimeout {
		i.mu.Unlock()
		return false
	}
	now := i.clk.Now().UTC()
	i.retryCount++
	i.task.Attempts = append(i.task.Attempts, gateapi.TaskAttempt{
		Attempt:    i.retryCount,
		StartedAt:  now,
		PrevStatus: i.task.Status,
		PrevError:  i.task.Error,
	})
	i.task.Status = gateapi.TaskPending
	i.task.Error = ""
	i.task.UpdatedAt = now
	i.notified = false
	i.persistLocked(ctx)
	retries := i.retryCount
	i.mu.Unlock()

	log.Printf("task id=%s status=%s retry attempt=%d", i.id, gateapi.TaskPending, retries)
	i.timer.Arm(i.opts.TaskTimeout, i.onTimeoutTimer)

	if err := i.assignAndExecute(ctx); err != nil {
		i.failAssignment(ctx, err)
		return false
	}
	return true
}

// Cancel aborts a non-terminal task. Cancelling twice is an error.
func (i *Instance) Cancel(ctx context.Context) (gateapi.Task, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.task == nil {
		return gateapi.Task{}, fmt.Errorf("%w: task %s", gateapi.ErrNotFound, i.id)
	}
	if gateapi.IsTerminalTaskStatus(i.task.Status) {
		return gateapi.Task{}, fmt.Errorf("%w: task %s is %s", gateapi.ErrIllegalTransition, i.id, i.task.Status)
	}
	i.transitionLocked(ctx, gateapi.TaskCancelled, "")
	return i.snapshotLocked(), nil
}

// transitionLocked moves the task into a terminal status, emits the single
// completion event and arms the cleanup timer.
func (i *Instance) transitionLocked(ctx context.Context, status, errMsg string) {
	i.markStatusLocked(ctx, status, errMsg)
	i.notifyCompletionLocked()
}

func (i *Instance) markStatusLocked(ctx context.Context, status, errMsg string) {
	i.task.Status = status
	if errMsg != "" {
		i.task.Error = errMsg
	}
	i.task.UpdatedAt = i.clk.Now().UTC()
	i.persistLocked(ctx)
	log.Printf("task id=%s status=%s", i.id, status)
}

func (i *Instance) notifyCompletionLocked() {
	if !i.notified {
		i.notified = true
		observability.TaskFinished(i.task.Status)
		taskID := i.id
		serverID := i.task.ServerID
		success := i.task.Status == gateapi.TaskCompleted
		duration := i.task.UpdatedAt.Sub(i.createdAt)
		retries := i.retryCount
		go i.recorder.RecordTaskComplete(taskID, serverID, success, duration, retries)
	}
	i.timer.Arm(i.opts.CleanupDelay, i.onCleanupTimer)
}

// onTimeoutTimer times out a still-processing task and attempts a retry;
// only a failed retry makes the timeout final.
func (i *Instance) onTimeoutTimer() {
	ctx := context.Background()
	i.mu.Lock()
	if i.task == nil || i.task.Status != gateapi.TaskProcessing {
		i.mu.Unlock()
		return
	}
	i.markStatusLocked(ctx, gateapi.TaskTimeout, "task timed out")
	i.mu.Unlock()

	if !i.Retry(ctx) {
		i.mu.Lock()
		if i.task != nil && gateapi.IsTerminalTaskStatus(i.task.Status) {
			i.notifyCompletionLocked()
		}
		i.mu.Unlock()
		log.Printf("task id=%s not retried after timeout", i.id)
	}
}

func (i *Instance) onCleanupTimer() {
	ctx := context.Background()
	i.mu.Lock()
	if i.task == nil || !gateapi.IsTerminalTaskStatus(i.task.Status) {
		i.mu.Unlock()
		return
	}
	if i.clk.Now().UTC().Sub(i.task.UpdatedAt) < i.opts.CleanupDelay {
		i.mu.Unlock()
		return
	}
	if err := i.kv.Clear(ctx); err != nil {
		log.Printf("task id=%s cleanup failed: %v", i.id, err)
		i.mu.Unlock()
		return
	}
	i.task = nil
	i.mu.Unlock()

	log.Printf("task id=%s purged", i.id)
	if i.purge != nil {
		i.purge(i.id)
	}
}

func (i *Instance) snapshotLocked() gateapi.Task {
	t := *i.task
	t.Attempts = append([]gateapi.TaskAttempt(nil), i.task.Attempts...)
	if i.task.Result != nil {
		t.Result = append([]byte(nil), i.task.Result...)
	}
	return t
}

func (i *Instance) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(i.task)
	if err != nil {
		log.Printf("task id=%s persist marshal failed: %v", i.id, err)
		return
	}
	entries := map[string][]byte{
		"task":       raw,
		"retryCount": []byte(strconv.Itoa(i.retryCount)),
		"createdAt":  []byte(strconv.FormatInt(i.createdAt.UnixMilli(), 10)),
	}
	if err := i.kv.PutMany(ctx, entries); err != nil {
		log.Printf("task id=%s persist failed: %v", i.id, err)
	}
	i.projectLocked()
}

// projectLocked mirrors the task into the external-query table. Write
// failures are logged; the table is advisory.
func (i *Instance) projectLocked() {
	if i.table == nil {
		return
	}
	row := state.TaskRow{
		ID:         i.task.ID,
		Status:     i.task.Status,
		Type:       i.task.Request.Type,
		Priority:   i.task.Request.Priority,
		ServerID:   i.task.ServerID,
		Request:    i.task.Request.Payload,
		Result:     i.task.Result,
		Error:      i.task.Error,
		RetryCount: i.retryCount,
		CreatedAt:  i.task.CreatedAt,
		UpdatedAt:  i.task.UpdatedAt,
	}
	go func() {
		if err := i.table.Upsert(context.Background(), row); err != nil {
			log.Printf("task id=%s table projection failed: %v", row.ID, err)
		}
	}()
}
