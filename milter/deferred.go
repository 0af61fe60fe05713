/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

import (
	"fmt"
	"sync"

	"stash.kopano.io/kgol/kmilterd/internal/utils"
)

// DeferredTask runs a function in its own goroutine. Its continuations run
// in the goroutine calling Fire once the function finished.
type DeferredTask struct {
	done      chan struct{}
	completed utils.AtomicBool

	result Response
	err    error

	onSuccess func(Response)
	onError   func(error)
	fired     sync.Once
}

// NewDeferredTask starts fn. Panics in fn are captured as errors.
func NewDeferredTask(fn func() (Response, error)) *DeferredTask {
	t := &DeferredTask{
		done: make(chan struct{}),
	}
	go t.run(fn)
	return t
}

func (t *DeferredTask) run(fn func() (Response, error)) {
	defer func() {
		t.completed.SetTrue()
		close(t.done)
	}()
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("panic in deferred task: %v", r)
		}
	}()

	t.result, t.err = fn()
}

// Then registers the continuations. It must be called before the task is
// handed to the goroutine calling Fire.
func (t *DeferredTask) Then(onSuccess func(Response), onError func(error)) *DeferredTask {
	t.onSuccess = onSuccess
	t.onError = onError
	return t
}

// Done returns a channel which is closed when the function finished.
func (t *DeferredTask) Done() <-chan struct{} {
	return t.done
}

// Completed reports whether the function finished.
func (t *DeferredTask) Completed() bool {
	return t.completed.IsSet()
}

// Result returns the outcome. Only valid once Completed returns true.
func (t *DeferredTask) Result() (Response, error) {
	return t.result, t.err
}

// Fire invokes the matching continuation if the task completed. It returns
// false if the task is still running. Continuations run at most once.
func (t *DeferredTask) Fire() bool {
	if !t.completed.IsSet() {
		return false
	}
	t.fired.Do(func() {
		if t.err != nil {
			if t.onError != nil {
				t.onError(t.err)
			}
			return
		}
		if t.onSuccess != nil {
			t.onSuccess(t.result)
		}
	})
	return true
}

// Deferrer moves blocking stage work off the goroutine driving sessions.
// complete must be called on that goroutine with the outcome of fn.
type Deferrer interface {
	Defer(s *Session, fn func() (Response, error), complete func(Response, error) error)
}

// Defer runs fn for the current stage. Without a Deferrer fn runs in place
// and its result is returned. With a Deferrer a deferred marker is returned
// and the stage reply is sent once fn finished, following the reply rules of
// the stage.
//
// Defer must only be called from a stage callback, returning its result.
func (s *Session) Defer(fn func() (Response, error)) (Response, error) {
	if s.deferrer == nil {
		return fn()
	}

	info := lookupStage(s.current)
	if info == nil {
		return Response{}, fmt.Errorf("milter: Defer called outside of a stage callback")
	}

	s.deferrer.Defer(s, fn, func(resp Response, err error) error {
		if err != nil {
			err = &CallbackError{Stage: info.stage, Err: err}
			s.logger.WithError(err).Errorln("milter deferred callback failed")
			return err
		}
		if s.closed.IsSet() {
			return nil
		}
		return s.reply(info, resp)
	})

	return respDeferred, nil
}

// TaskQueue holds the deferred tasks of a single dispatch goroutine. It
// implements Deferrer.
type TaskQueue struct {
	mu     sync.Mutex
	tasks  []*DeferredTask
	notify chan struct{}

	// OnFailure is called from Sweep when a completion fails.
	OnFailure func(s *Session, err error)
}

var _ Deferrer = (*TaskQueue)(nil) // Verify that *TaskQueue implements Deferrer.

// NewTaskQueue creates an empty TaskQueue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		notify: make(chan struct{}, 1),
	}
}

// Defer implements the Deferrer interface.
func (q *TaskQueue) Defer(s *Session, fn func() (Response, error), complete func(Response, error) error) {
	task := NewDeferredTask(fn)
	task.Then(func(resp Response) {
		if err := complete(resp, nil); err != nil {
			q.fail(s, err)
		}
	}, func(taskErr error) {
		if err := complete(Response{}, taskErr); err != nil {
			q.fail(s, err)
		}
	})
	q.Add(task)
}

func (q *TaskQueue) fail(s *Session, err error) {
	if q.OnFailure != nil {
		q.OnFailure(s, err)
	}
}

// Add queues a task and wakes the Notify channel once it is done.
func (q *TaskQueue) Add(task *DeferredTask) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	go func() {
		<-task.Done()
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}()
}

// Notify returns a channel which receives after a queued task finished.
func (q *TaskQueue) Notify() <-chan struct{} {
	return q.notify
}

// Sweep fires all completed tasks in the order they were added and removes
// them. It returns the number of fired tasks.
func (q *TaskQueue) Sweep() int {
	q.mu.Lock()
	var ready []*DeferredTask
	pending := q.tasks[:0]
	for _, task := range q.tasks {
		if task.Completed() {
			ready = append(ready, task)
		} else {
			pending = append(pending, task)
		}
	}
	for idx := len(pending); idx < len(q.tasks); idx++ {
		q.tasks[idx] = nil
	}
	q.tasks = pending
	q.mu.Unlock()

	for _, task := range ready {
		task.Fire()
	}
	return len(ready)
}

// Len returns the number of pending tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
