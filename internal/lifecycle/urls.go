package lifecycle

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/agentplatform/stack-agent-manager/internal/naming"
)

// Endpoints builds the public URLs of an agent.
type Endpoints struct {
	// Scheme is http or https.
	Scheme string
	// Host is the ingress host.
	Host string
	// ChatUIBaseURL is the chat UI the ui_url points at.
	ChatUIBaseURL string
}

// APIURL returns <scheme>://<host>/stacks/<s>/agents/<a>/.
func (e Endpoints) APIURL(stackID, agentID string) (string, error) {
	path, err := naming.IngressPathFor(stackID, agentID)
	if err != nil {
		return "", err
	}
	scheme := e.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, e.Host, path), nil
}

// UIURL returns the chat UI link for an agent's API.
func (e Endpoints) UIURL(apiURL, graphID string) string {
	q := url.Values{}
	q.Set("apiUrl", apiURL)
	q.Set("assistantId", graphID)
	return strings.TrimRight(e.ChatUIBaseURL, "/") + "/?" + q.Encode()
}

// For returns the graph id and both URLs of an agent.
func (e Endpoints) For(stackID, agentID string) (graphID, apiURL, uiURL string, err error) {
	graphID, err = naming.GraphIDFor(stackID, agentID)
	if err != nil {
		return "", "", "", err
	}
	apiURL, err = e.APIURL(stackID, agentID)
	if err != nil {
		return "", "", "", err
	}
	return graphID, apiURL, e.UIURL(apiURL, graphID), nil
}
