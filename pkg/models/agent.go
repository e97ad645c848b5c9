package models

import "time"

// AgentStatus is the lifecycle state of an Agent.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentDeploying AgentStatus = "deploying"
	AgentRunning   AgentStatus = "running"
	AgentFailed    AgentStatus = "failed"
	AgentDeleting  AgentStatus = "deleting"
)

// Transitional reports whether the agent is owned by an in-flight lifecycle operation.
func (s AgentStatus) Transitional() bool {
	return s == AgentPending || s == AgentDeploying || s == AgentDeleting
}

// Agent is a deployed unit of agent code inside a Stack.
type Agent struct {
	ID                string
	StackID           string
	Name              string
	Description       *string
	Status            AgentStatus
	StatusReason      *string
	GraphID           *string
	GraphSlug         string
	APIURL            *string
	UIURL             *string
	DiskPath          string
	DeleteRequestedAt *time.Time
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedBy         *string
	UpdatedAt         *time.Time
}
