// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package pm implements the package manager: install/uninstall/update of
// app, runtime, and base references through the layer store, exposed as
// cancellable, progress-reporting tasks with transactional rollback on
// failure.
package pm

import (
	"sync"

	"github.com/google/uuid"
)

// Status is a task's place in its state machine.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPreInstall     Status = "preInstall"
	StatusInstallRuntime Status = "installRuntime"
	StatusInstallBase    Status = "installBase"
	StatusInstallApp     Status = "installApp"
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusCanceled       Status = "canceled"
)

// Task tracks one long-running package-manager operation: its current
// status, percentage, last message, and cooperative-cancellation flag.
// It implements internal/pkg/store.Task so the store's pull can proxy
// byte-level progress straight through.
type Task struct {
	ID string

	mu         sync.Mutex
	status     Status
	percentage int
	message    string
	canceled   bool

	onChange func(t *Task)
}

// NewTask allocates a task with a fresh UUID, matching the manager's
// contract that every long-running operation produces a taskID.
func NewTask(onChange func(t *Task)) *Task {
	return &Task{ID: uuid.NewString(), status: StatusPending, onChange: onChange}
}

func (t *Task) setStatus(s Status, percentage int, message string) {
	t.mu.Lock()
	t.status = s
	t.percentage = percentage
	t.message = message
	cb := t.onChange
	t.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

// Status, Percentage and Message report the task's current snapshot,
// mirroring the TaskChanged(taskID, percentage, message, status) signal.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Percentage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentage
}

func (t *Task) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// Cancel cooperatively requests cancellation; the running stage observes
// it at its next poll point.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
}

// Canceled implements store.Task.
func (t *Task) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// UpdateProgress implements store.Task: fetched/requested bytes are
// folded into the task's percentage.
func (t *Task) UpdateProgress(fetched, requested int64) {
	pct := 0
	if requested > 0 {
		pct = int(fetched * 100 / requested)
	}
	t.setStatus(t.Status(), pct, "")
}

// checkCanceled is called before every sub-step; it transitions the task
// to Canceled and returns true if a cancellation was requested.
func (t *Task) checkCanceled() bool {
	if !t.Canceled() {
		return false
	}
	t.setStatus(StatusCanceled, t.Percentage(), "canceled")
	return true
}
