package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var ErrPoolClosed = errors.New("workerpool: pool is closed")

// WorkerPool runs tasks from all rooms on a fixed set of goroutines.
type WorkerPool struct {
	config    Config
	taskQueue chan func()

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
	workers   sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups tasks whose results are collected together.
type Room[T any] struct {
	resultChan chan T
	wg         sync.WaitGroup
	wp         *WorkerPool
	closeOnce  sync.Once
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for run := range wp.taskQueue {
		run()
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.closeMu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.closeMu.Unlock()
	})
	wp.workers.Wait()
}

// CreateRoom returns a room that buffers up to size results.
func CreateRoom[T any](wp *WorkerPool, size int) *Room[T] {
	return &Room[T]{
		resultChan: make(chan T, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global queue is full.
func (ro *Room[T]) NewTaskWaitForFreeSlot(job func() T) error {
	ro.wp.closeMu.RLock()
	defer ro.wp.closeMu.RUnlock()
	if ro.wp.closed {
		return ErrPoolClosed
	}

	ro.wg.Add(1)
	ro.wp.taskQueue <- func() {
		defer ro.wg.Done()
		ro.resultChan <- job()
	}
	return nil
}

// Collect waits for every queued task and returns the results in completion
// order. No tasks may be added once Collect has been called.
func (ro *Room[T]) Collect() []T {
	go ro.WaitAndClose()

	results := make([]T, 0, cap(ro.resultChan))
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room[T]) WaitAndClose() {
	ro.wg.Wait()
	ro.closeOnce.Do(func() { close(ro.resultChan) })
}
