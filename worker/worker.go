// Package worker runs tasks on a single background goroutine fed by a bounded
// channel. It decouples fire-and-forget work, such as post-commit cache
// invalidation, from the caller's request path while still giving the work a
// lifecycle that can be stopped and waited on.
package worker

import "sync"

type TaskStop struct{}

type Task interface{}

type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

const defaultCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	return NewWorkerWithCapacity(name, defaultCapacity, wg)
}

func NewWorkerWithCapacity(name string, capacity int, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Stop enqueues the stop sentinel; tasks already queued ahead of it are still
// handled. Wait on the worker's WaitGroup for completion.
func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}
