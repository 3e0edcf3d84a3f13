package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/taskgate/internal/actor"
	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/pkg/gateapi"
)

// Directory resolves task ids to their instance, creating instances on
// demand for CreateTask and failing lookups for unknown ids.
type Directory struct {
	mu         sync.Mutex
	clk        actor.Clock
	store      state.Store
	table      state.TaskTable
	selector   ServerSelector
	dispatcher Dispatcher
	recorder   Recorder
	opts       Options
	tasks      map[string]*Instance
}

func NewDirectory(clk actor.Clock, store state.Store, table state.TaskTable,
	selector ServerSelector, dispatcher Dispatcher, recorder Recorder, opts Options) *Directory {
	return &Directory{
		clk:        clk,
		store:      store,
		table:      table,
		selector:   selector,
		dispatcher: dispatcher,
		recorder:   recorder,
		opts:       opts,
		tasks:      make(map[string]*Instance),
	}
}

func (d *Directory) instance(taskID string, create bool) (*Instance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.tasks[taskID]
	if !ok && create {
		inst = newInstance(taskID, d.opts, d.clk, d.store.Namespace("task", taskID),
			d.table, d.selector, d.dispatcher, d.recorder, d.remove)
		d.tasks[taskID] = inst
		ok = true
	}
	return inst, ok
}

func (d *Directory) remove(taskID string) {
	d.mu.Lock()
	delete(d.tasks, taskID)
	d.mu.Unlock()
}

func (d *Directory) Create(ctx context.Context, taskID string, req gateapi.TaskRequest) (gateapi.Task, error) {
	inst, _ := d.instance(taskID, true)
	return inst.CreateTask(ctx, req)
}

func (d *Directory) Status(taskID string) (gateapi.Task, error) {
	inst, ok := d.instance(taskID, false)
	if !ok {
		return gateapi.Task{}, fmt.Errorf("%w: task %s", gateapi.ErrNotFound, taskID)
	}
	return inst.GetStatus()
}

// UpdateTask implements the server layer's TaskUpdater.
func (d *Directory) UpdateTask(ctx context.Context, taskID string, upd gateapi.TaskUpdate) (gateapi.Task, error) {
	inst, ok := d.instance(taskID, false)
	if !ok {
		return gateapi.Task{}, fmt.Errorf("%w: task %s", gateapi.ErrNotFound, taskID)
	}
	return inst.UpdateTask(ctx, upd)
}

func (d *Directory) Retry(ctx context.Context, taskID string) bool {
	inst, ok := d.instance(taskID, false)
	if !ok {
		return false
	}
	return inst.Retry(ctx)
}

func (d *Directory) Cancel(ctx context.Context, taskID string) (gateapi.Task, error) {
	inst, ok := d.instance(taskID, false)
	if !ok {
		return gateapi.Task{}, fmt.Errorf("%w: task %s", gateapi.ErrNotFound, taskID)
	}
	return inst.Cancel(ctx)
}
