// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package pm

import (
	"sync"

	"github.com/linyaps/linglong/internal/pkg/store"
	"github.com/linyaps/linglong/pkg/refs"
)

// Manager is the package manager: it drives references through the layer
// store using the preInstall -> installRuntime -> installBase -> installApp
// state machine, serialising concurrent operations against the same
// (reference, module) pair and offering transactional rollback on failure.
type Manager struct {
	Store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex // "id/module" -> in-flight lock
	tasks map[string]*Task
}

// New constructs a Manager over an already-configured Store.
func New(s store.Store) *Manager {
	return &Manager{
		Store: s,
		locks: make(map[string]*sync.Mutex),
		tasks: make(map[string]*Task),
	}
}

func lockKey(ref refs.FuzzyReference, module string) string {
	id := ""
	if ref.ID != "" {
		id = ref.ID
	}
	return id + "/" + module
}

// acquire returns the per-(id, module) mutex, creating it on first use. The
// manager never removes entries: the set of distinct packages installed
// over a process's lifetime is small and bounded by disk space anyway.
func (m *Manager) acquire(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Task looks up a previously started operation by its ID, for CancelTask
// and for a CLI's progress-polling loop.
func (m *Manager) Task(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// CancelTask requests cooperative cancellation of a running task.
func (m *Manager) CancelTask(id string) bool {
	t, ok := m.Task(id)
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

func (m *Manager) register(t *Task) {
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
}

// rollback is the transaction log used by Install/Update: a LIFO list of
// compensating actions, run in reverse on failure: the "undo everything
// done so far" pattern for multi-step operations that cannot be made
// atomic at the filesystem level.
type rollback struct {
	actions []func()
}

func (r *rollback) add(action func()) {
	r.actions = append(r.actions, action)
}

func (r *rollback) run() {
	for i := len(r.actions) - 1; i >= 0; i-- {
		r.actions[i]()
	}
}
