// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package pm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTransitions(t *testing.T) {
	var seen []Status
	task := NewTask(func(t *Task) { seen = append(seen, t.Status()) })

	assert.Equal(t, StatusPending, task.Status())
	assert.NotEmpty(t, task.ID)

	task.setStatus(StatusPreInstall, 0, "starting")
	task.setStatus(StatusInstallApp, 50, "installing")
	task.setStatus(StatusSuccess, 100, "done")

	assert.Equal(t, []Status{StatusPreInstall, StatusInstallApp, StatusSuccess}, seen)
	assert.Equal(t, StatusSuccess, task.Status())
	assert.Equal(t, 100, task.Percentage())
}

func TestTaskCancelTransitionsOnNextCheck(t *testing.T) {
	task := NewTask(nil)
	assert.False(t, task.checkCanceled())

	task.Cancel()
	assert.True(t, task.Canceled())
	assert.True(t, task.checkCanceled())
	assert.Equal(t, StatusCanceled, task.Status())
}

func TestTaskUpdateProgressComputesPercentage(t *testing.T) {
	task := NewTask(nil)
	task.UpdateProgress(50, 200)
	assert.Equal(t, 25, task.Percentage())

	task.UpdateProgress(10, 0)
	assert.Equal(t, 0, task.Percentage())
}
