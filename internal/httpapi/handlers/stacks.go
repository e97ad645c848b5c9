package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"github.com/agentplatform/stack-agent-manager/internal/lifecycle"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

// StackService is the part of the stack lifecycle manager the API uses.
type StackService interface {
	Create(ctx context.Context, in lifecycle.CreateStackInput, actor string) (*models.Stack, error)
	Get(ctx context.Context, id, actor string) (*lifecycle.StackDetail, error)
	List(ctx context.Context, actor, search string, page, limit int) ([]models.StackWithCount, int, error)
	Update(ctx context.Context, id string, in lifecycle.UpdateStackInput, actor string) (*models.Stack, error)
	Delete(ctx context.Context, id, actor string) (*models.Stack, error)
	Retry(ctx context.Context, id, actor string) (*models.Stack, error)
}

// StackHandler serves the /stacks endpoints
type StackHandler struct {
	stacks StackService
	agents AgentService
	logger zerolog.Logger
}

// NewStackHandler creates a new stack handler
func NewStackHandler(stacks StackService, agents AgentService, logger zerolog.Logger) *StackHandler {
	return &StackHandler{
		stacks: stacks,
		agents: agents,
		logger: logger.With().Str("handler", "stacks").Logger(),
	}
}

// StackJSON is the wire form of a stack.
type StackJSON struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Description       *string `json:"description"`
	Namespace         string  `json:"namespace"`
	Status            string  `json:"status" enum:"creating,ready,deleting,failed"`
	StatusReason      *string `json:"status_reason"`
	DeleteRequestedAt *string `json:"delete_requested_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
	CreatedBy         string  `json:"created_by"`
	UpdatedAt         *string `json:"updated_at"`
	UpdatedBy         *string `json:"updated_by"`
}

// StackListItem is a stack as listed.
type StackListItem struct {
	StackJSON
	AgentCount int `json:"agent_count"`
}

// StackDetailJSON is a stack with its agents.
type StackDetailJSON struct {
	StackJSON
	Agents []AgentJSON `json:"agents"`
}

// StackListResponse is a page of stacks.
type StackListResponse struct {
	Items []StackListItem `json:"items"`
	ListMeta
}

type StackBody struct {
	Name        string  `json:"name" minLength:"1" maxLength:"255"`
	Description *string `json:"description,omitempty" maxLength:"2000"`
}

type StackPatchBody struct {
	Name        *string `json:"name,omitempty" minLength:"1" maxLength:"255"`
	Description *string `json:"description,omitempty" maxLength:"2000"`
}

type ListStacksInput struct {
	Page   int    `query:"page" default:"1" minimum:"1"`
	Limit  int    `query:"limit" default:"20" minimum:"1" maximum:"100"`
	Search string `query:"search" maxLength:"255"`
}

type StackIDInput struct {
	ID string `path:"id" doc:"Stack id"`
}

type CreateStackInput struct {
	Body StackBody
}

type UpdateStackInput struct {
	ID   string `path:"id"`
	Body StackPatchBody
}

// RegisterRoutes registers stack endpoints
func (h *StackHandler) RegisterRoutes(api huma.API, pathPrefix string) {
	tags := []string{"stacks"}

	huma.Register(api, huma.Operation{
		OperationID:   "create-stack",
		Method:        http.MethodPost,
		Path:          pathPrefix + "/stacks",
		Summary:       "Create a stack",
		Description:   "Records the stack as creating and provisions its namespace in the background.",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
	}, h.createStack)

	huma.Register(api, huma.Operation{
		OperationID: "list-stacks",
		Method:      http.MethodGet,
		Path:        pathPrefix + "/stacks",
		Summary:     "List stacks",
		Tags:        tags,
	}, h.listStacks)

	huma.Register(api, huma.Operation{
		OperationID: "get-stack",
		Method:      http.MethodGet,
		Path:        pathPrefix + "/stacks/{id}",
		Summary:     "Get a stack with its agents",
		Tags:        tags,
	}, h.getStack)

	huma.Register(api, huma.Operation{
		OperationID: "update-stack",
		Method:      http.MethodPut,
		Path:        pathPrefix + "/stacks/{id}",
		Summary:     "Update stack metadata",
		Tags:        tags,
	}, h.updateStack)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-stack",
		Method:        http.MethodDelete,
		Path:          pathPrefix + "/stacks/{id}",
		Summary:       "Delete a stack and its agents",
		Description:   "Returns immediately with the stack in deleting. Poll until it is gone.",
		Tags:          tags,
		DefaultStatus: http.StatusAccepted,
	}, h.deleteStack)

	huma.Register(api, huma.Operation{
		OperationID:   "retry-stack",
		Method:        http.MethodPost,
		Path:          pathPrefix + "/stacks/{id}/retry",
		Summary:       "Retry provisioning of a failed stack",
		Tags:          tags,
		DefaultStatus: http.StatusAccepted,
	}, h.retryStack)

	huma.Register(api, huma.Operation{
		OperationID: "list-stack-agents",
		Method:      http.MethodGet,
		Path:        pathPrefix + "/stacks/{id}/agents",
		Summary:     "List the agents of a stack",
		Tags:        []string{"stacks", "agents"},
	}, h.listStackAgents)
}

func (h *StackHandler) createStack(ctx context.Context, input *CreateStackInput) (*Response[StackJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	st, err := h.stacks.Create(ctx, lifecycle.CreateStackInput{
		Name:        input.Body.Name,
		Description: input.Body.Description,
	}, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	return &Response[StackJSON]{Body: toStackJSON(st)}, nil
}

func (h *StackHandler) listStacks(ctx context.Context, input *ListStacksInput) (*Response[StackListResponse], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	stacks, total, err := h.stacks.List(ctx, actor, input.Search, input.Page, input.Limit)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}

	items := make([]StackListItem, 0, len(stacks))
	for i := range stacks {
		items = append(items, StackListItem{
			StackJSON:  toStackJSON(&stacks[i].Stack),
			AgentCount: stacks[i].AgentCount,
		})
	}
	return &Response[StackListResponse]{Body: StackListResponse{
		Items: items,
		ListMeta: ListMeta{
			Total: total,
			Page:  input.Page,
			Limit: input.Limit,
			Pages: pages(total, input.Limit),
		},
	}}, nil
}

func (h *StackHandler) getStack(ctx context.Context, input *StackIDInput) (*Response[StackDetailJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	sd, err := h.stacks.Get(ctx, input.ID, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}

	agents := make([]AgentJSON, 0, len(sd.Agents))
	for i := range sd.Agents {
		agents = append(agents, toAgentJSON(&sd.Agents[i]))
	}
	return &Response[StackDetailJSON]{Body: StackDetailJSON{
		StackJSON: toStackJSON(&sd.Stack),
		Agents:    agents,
	}}, nil
}

func (h *StackHandler) updateStack(ctx context.Context, input *UpdateStackInput) (*Response[StackJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	st, err := h.stacks.Update(ctx, input.ID, lifecycle.UpdateStackInput{
		Name:        input.Body.Name,
		Description: input.Body.Description,
	}, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	return &Response[StackJSON]{Body: toStackJSON(st)}, nil
}

func (h *StackHandler) deleteStack(ctx context.Context, input *StackIDInput) (*Response[StackJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	st, err := h.stacks.Delete(ctx, input.ID, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	return &Response[StackJSON]{Body: toStackJSON(st)}, nil
}

func (h *StackHandler) retryStack(ctx context.Context, input *StackIDInput) (*Response[StackJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	st, err := h.stacks.Retry(ctx, input.ID, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	return &Response[StackJSON]{Body: toStackJSON(st)}, nil
}

func (h *StackHandler) listStackAgents(ctx context.Context, input *StackIDInput) (*Response[AgentListResponse], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := h.agents.ListByStack(ctx, input.ID, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}

	items := make([]AgentJSON, 0, len(agents))
	for i := range agents {
		items = append(items, toAgentJSON(&agents[i]))
	}
	return &Response[AgentListResponse]{Body: AgentListResponse{Items: items, Total: len(items)}}, nil
}

func toStackJSON(st *models.Stack) StackJSON {
	return StackJSON{
		ID:                st.ID,
		Name:              st.Name,
		Description:       st.Description,
		Namespace:         st.Namespace,
		Status:            string(st.Status),
		StatusReason:      st.StatusReason,
		DeleteRequestedAt: formatTimePtr(st.DeleteRequestedAt),
		CreatedAt:         formatTime(st.CreatedAt),
		CreatedBy:         st.CreatedBy,
		UpdatedAt:         formatTimePtr(st.UpdatedAt),
		UpdatedBy:         st.UpdatedBy,
	}
}
