package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"queued to provisioning", StatusQueued, StatusProvisioning, true},
		{"queued to cancelled", StatusQueued, StatusCancelled, true},
		{"queued to running is illegal", StatusQueued, StatusRunning, false},
		{"provisioning to running", StatusProvisioning, StatusRunning, true},
		{"provisioning to failed", StatusProvisioning, StatusFailed, true},
		{"running to pausing", StatusRunning, StatusPausing, true},
		{"pausing to paused", StatusPausing, StatusPaused, true},
		{"paused to resuming", StatusPaused, StatusResuming, true},
		{"resuming to running", StatusResuming, StatusRunning, true},
		{"running to stopping", StatusRunning, StatusStopping, true},
		{"stopping to stopped", StatusStopping, StatusStopped, true},
		{"stopping to cancelled", StatusStopping, StatusCancelled, true},
		{"completed is absorbing", StatusCompleted, StatusRunning, false},
		{"failed is absorbing", StatusFailed, StatusQueued, false},
		{"cancelled is absorbing", StatusCancelled, StatusProvisioning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}

	nonTerminal := []Status{StatusQueued, StatusProvisioning, StatusRunning, StatusPausing, StatusPaused, StatusResuming, StatusStopping, StatusStopped}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "expected %s to not be terminal", s)
	}
}

func TestNewSessionDefaultsToQueued(t *testing.T) {
	s := NewSession(
		Task{Prompt: "fix the bug"},
		AgentSpec{Type: "claude-code"},
		RuntimeSpec{Type: RuntimeLocal},
		RepoSpec{Mode: RepoModeGit, URL: "https://example.com/repo.git", Branch: "main"},
		DeliverySpec{Mode: DeliveryPR},
		"", "",
	)

	require.NotEmpty(t, s.ID)
	assert.Equal(t, StatusQueued, s.Status)
	assert.False(t, s.CreatedAt.IsZero())
	assert.Equal(t, s.CreatedAt, s.UpdatedAt)
}

func TestAggregateChanges(t *testing.T) {
	events := []*Event{
		{Type: EventFileEdit, LinesAdded: 10, LinesRemoved: 2},
		{Type: EventThought},
		{Type: EventFileEdit, LinesAdded: 3, LinesRemoved: 0},
	}

	changes := AggregateChanges(events)
	assert.Equal(t, 2, changes.FilesChanged)
	assert.Equal(t, 13, changes.LinesAdded)
	assert.Equal(t, 2, changes.LinesRemoved)
}
