package domain

import "testing"

func TestAllowedTransition(t *testing.T) {
	cases := []struct {
		from, to TaskState
		want     bool
	}{
		{Created, InProgress, true},
		{Created, Created, false},
		{Created, Done, false},
		{InProgress, Blocked, true},
		{InProgress, Review, true},
		{InProgress, Created, true},
		{Blocked, InProgress, true},
		{Blocked, Done, false},
		{Review, Done, true},
		{Review, Archived, true},
		{Done, Review, true},
		{Done, InProgress, false},
		{Archived, Created, false},
		{Archived, Archived, false},
	}
	for _, c := range cases {
		if got := AllowedTransition(c.from, c.to); got != c.want {
			t.Errorf("AllowedTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestRequiresOwner(t *testing.T) {
	for _, s := range []TaskState{InProgress, Review, Blocked} {
		if !RequiresOwner(s) {
			t.Errorf("RequiresOwner(%s) = false, want true", s)
		}
	}
	for _, s := range []TaskState{Created, Done, Archived} {
		if RequiresOwner(s) {
			t.Errorf("RequiresOwner(%s) = true, want false", s)
		}
	}
}

func TestTaskHasOwner(t *testing.T) {
	if (Task{}).HasOwner() {
		t.Error("zero-value task should not have an owner")
	}
	if !(Task{OwnerAgentName: "agent-a"}).HasOwner() {
		t.Error("task with OwnerAgentName set should have an owner")
	}
}

func TestWorkSessionOpen(t *testing.T) {
	if !(WorkSession{}).Open() {
		t.Error("session with zero EndedAt should be open")
	}
}
