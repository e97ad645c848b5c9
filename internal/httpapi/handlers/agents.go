package handlers

import (
	"context"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"github.com/agentplatform/stack-agent-manager/internal/lifecycle"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

// uploadOverhead is the room left in a request body for multipart framing
// and the text fields around the archive.
const uploadOverhead = 1 << 20

// AgentService is the part of the agent lifecycle manager the API uses.
type AgentService interface {
	Create(ctx context.Context, stackID string, in lifecycle.CreateAgentInput, actor string) (*models.Agent, error)
	Get(ctx context.Context, id, actor string) (*models.Agent, error)
	ListByStack(ctx context.Context, stackID, actor string) ([]models.Agent, error)
	Update(ctx context.Context, id string, in lifecycle.UpdateAgentInput, actor string) (*models.Agent, error)
	Delete(ctx context.Context, id, actor string) (*models.Agent, error)
	Redeploy(ctx context.Context, id, actor string) (*models.Agent, error)
}

// AgentHandler serves the agent endpoints
type AgentHandler struct {
	agents          AgentService
	maxArchiveBytes int64
	logger          zerolog.Logger
}

// NewAgentHandler creates a new agent handler. maxArchiveBytes bounds the
// accepted upload body.
func NewAgentHandler(agents AgentService, maxArchiveBytes int64, logger zerolog.Logger) *AgentHandler {
	return &AgentHandler{
		agents:          agents,
		maxArchiveBytes: maxArchiveBytes,
		logger:          logger.With().Str("handler", "agents").Logger(),
	}
}

// AgentJSON is the wire form of an agent.
type AgentJSON struct {
	ID                string  `json:"id"`
	StackID           string  `json:"stack_id"`
	Name              string  `json:"name"`
	Description       *string `json:"description"`
	Status            string  `json:"status" enum:"pending,deploying,running,failed,deleting"`
	StatusReason      *string `json:"status_reason"`
	GraphID           *string `json:"graph_id"`
	APIURL            *string `json:"api_url"`
	UIURL             *string `json:"ui_url"`
	DiskPath          string  `json:"disk_path"`
	DeleteRequestedAt *string `json:"delete_requested_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
	CreatedBy         string  `json:"created_by"`
	UpdatedAt         *string `json:"updated_at"`
	UpdatedBy         *string `json:"updated_by"`
}

// AgentListResponse lists the agents of one stack.
type AgentListResponse struct {
	Items []AgentJSON `json:"items"`
	Total int         `json:"total"`
}

type AgentPatchBody struct {
	Name        *string `json:"name,omitempty" minLength:"1" maxLength:"255"`
	Description *string `json:"description,omitempty" maxLength:"2000"`
}

type AgentIDInput struct {
	ID string `path:"id" doc:"Agent id"`
}

type UpdateAgentInput struct {
	ID   string `path:"id"`
	Body AgentPatchBody
}

// UploadAgentInput is the multipart form with fields name, description
// and file (a .zip archive).
type UploadAgentInput struct {
	StackID string `path:"id" doc:"Stack id"`
	RawBody multipart.Form
}

// RegisterRoutes registers agent endpoints
func (h *AgentHandler) RegisterRoutes(api huma.API, pathPrefix string) {
	tags := []string{"agents"}

	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          pathPrefix + "/stacks/{id}/agents",
		Summary:       "Upload an agent",
		Description:   "Multipart form with name, optional description and a zip file. The agent is deployed in the background.",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  h.maxArchiveBytes + uploadOverhead,
	}, h.createAgent)

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        pathPrefix + "/agents/{id}",
		Summary:     "Get an agent",
		Tags:        tags,
	}, h.getAgent)

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPut,
		Path:        pathPrefix + "/agents/{id}",
		Summary:     "Update agent metadata",
		Tags:        tags,
	}, h.updateAgent)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-agent",
		Method:        http.MethodDelete,
		Path:          pathPrefix + "/agents/{id}",
		Summary:       "Delete an agent",
		Tags:          tags,
		DefaultStatus: http.StatusAccepted,
	}, h.deleteAgent)

	huma.Register(api, huma.Operation{
		OperationID:   "redeploy-agent",
		Method:        http.MethodPost,
		Path:          pathPrefix + "/agents/{id}/redeploy",
		Summary:       "Redeploy a failed agent",
		Tags:          tags,
		DefaultStatus: http.StatusAccepted,
	}, h.redeployAgent)
}

func (h *AgentHandler) createAgent(ctx context.Context, input *UploadAgentInput) (*Response[AgentJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	form := &input.RawBody
	defer func() {
		if err := form.RemoveAll(); err != nil {
			h.logger.Warn().Err(err).Msg("removing multipart temp files")
		}
	}()

	files := form.File["file"]
	if len(files) == 0 {
		return nil, huma.Error422UnprocessableEntity("file is required")
	}
	if len(files) > 1 {
		return nil, huma.Error422UnprocessableEntity("exactly one file must be uploaded")
	}
	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	defer f.Close()

	a, err := h.agents.Create(ctx, input.StackID, lifecycle.CreateAgentInput{
		Name:        formValue(form, "name"),
		Description: optional(formValue(form, "description")),
		Filename:    fh.Filename,
		Size:        fh.Size,
		Archive:     f,
	}, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	return &Response[AgentJSON]{Body: toAgentJSON(a)}, nil
}

func (h *AgentHandler) getAgent(ctx context.Context, input *AgentIDInput) (*Response[AgentJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	a, err := h.agents.Get(ctx, input.ID, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	return &Response[AgentJSON]{Body: toAgentJSON(a)}, nil
}

func (h *AgentHandler) updateAgent(ctx context.Context, input *UpdateAgentInput) (*Response[AgentJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	a, err := h.agents.Update(ctx, input.ID, lifecycle.UpdateAgentInput{
		Name:        input.Body.Name,
		Description: input.Body.Description,
	}, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	return &Response[AgentJSON]{Body: toAgentJSON(a)}, nil
}

func (h *AgentHandler) deleteAgent(ctx context.Context, input *AgentIDInput) (*Response[AgentJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	a, err := h.agents.Delete(ctx, input.ID, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	return &Response[AgentJSON]{Body: toAgentJSON(a)}, nil
}

func (h *AgentHandler) redeployAgent(ctx context.Context, input *AgentIDInput) (*Response[AgentJSON], error) {
	actor, err := subject(ctx)
	if err != nil {
		return nil, err
	}
	a, err := h.agents.Redeploy(ctx, input.ID, actor)
	if err != nil {
		return nil, toHTTPError(h.logger, err)
	}
	return &Response[AgentJSON]{Body: toAgentJSON(a)}, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func toAgentJSON(a *models.Agent) AgentJSON {
	return AgentJSON{
		ID:                a.ID,
		StackID:           a.StackID,
		Name:              a.Name,
		Description:       a.Description,
		Status:            string(a.Status),
		StatusReason:      a.StatusReason,
		GraphID:           a.GraphID,
		APIURL:            a.APIURL,
		UIURL:             a.UIURL,
		DiskPath:          a.DiskPath,
		DeleteRequestedAt: formatTimePtr(a.DeleteRequestedAt),
		CreatedAt:         formatTime(a.CreatedAt),
		CreatedBy:         a.CreatedBy,
		UpdatedAt:         formatTimePtr(a.UpdatedAt),
		UpdatedBy:         a.UpdatedBy,
	}
}
