package models

import "time"

// StackStatus is the lifecycle state of a Stack.
type StackStatus string

const (
	StackCreating StackStatus = "creating"
	StackReady    StackStatus = "ready"
	StackDeleting StackStatus = "deleting"
	StackFailed   StackStatus = "failed"
)

// Transitional reports whether the stack is owned by an in-flight lifecycle operation.
func (s StackStatus) Transitional() bool {
	return s == StackCreating || s == StackDeleting
}

// Stack is a logical group of agents, backed 1:1 by a Kubernetes namespace.
type Stack struct {
	ID                string
	Name              string
	Description       *string
	Namespace         string
	Status            StackStatus
	StatusReason      *string
	DeleteRequestedAt *time.Time
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedBy         *string
	UpdatedAt         *time.Time
}

// StackWithCount is a Stack as listed, with its number of agents.
type StackWithCount struct {
	Stack
	AgentCount int
}
