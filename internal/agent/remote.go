package agent

import (
	"context"
	"fmt"
	"strings"

	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/httpx"
)

// RemoteAgent asks an external analyst service for an opinion over HTTP.
type RemoteAgent struct {
	role     Role
	endpoint string
	apiKey   string
	client   *httpx.Client
}

func NewRemoteAgent(role Role, endpoint, apiKey string, client *httpx.Client) (*RemoteAgent, error) {
	if !role.Valid() {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown agent role %q", role))
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("agent %s: missing endpoint", role))
	}
	if client == nil {
		return nil, clierr.New(clierr.CodeInternal, "missing http client")
	}
	return &RemoteAgent{role: role, endpoint: strings.TrimSpace(endpoint), apiKey: apiKey, client: client}, nil
}

func (a *RemoteAgent) Role() Role { return a.role }

type analyzeRequest struct {
	Role    Role     `json:"role"`
	Query   Query    `json:"query"`
	Signals []Signal `json:"signals"`
}

func (a *RemoteAgent) Analyze(ctx context.Context, signals []Signal, query Query) (Opinion, error) {
	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}
	var op Opinion
	req := analyzeRequest{Role: a.role, Query: query, Signals: signals}
	if err := httpx.PostJSON(ctx, a.client, a.endpoint, req, headers, &op); err != nil {
		return Opinion{}, err
	}
	return op, nil
}
