package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

// Registry fetches live experiments from the server's registry endpoint.
type Registry struct {
	baseURL string
	client  *http.Client
}

func NewRegistry(baseURL string, client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *Registry) ActiveExperiments(ctx context.Context, audience experiment.Audience) ([]experiment.Experiment, error) {
	u := r.baseURL + "/api/experiments?audience=" + url.QueryEscape(string(audience))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch experiments: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to fetch experiments: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var exps []experiment.Experiment
	if err := json.NewDecoder(resp.Body).Decode(&exps); err != nil {
		return nil, fmt.Errorf("failed to decode experiments: %w", err)
	}
	return exps, nil
}

// Endpoints are the ingestion URLs under one server base URL.
type Endpoints struct {
	Events      string
	Conversions string
	Errors      string
}

func EndpointsFor(baseURL string) Endpoints {
	base := strings.TrimRight(baseURL, "/")
	return Endpoints{
		Events:      base + "/api/events",
		Conversions: base + "/api/conversions",
		Errors:      base + "/api/errors",
	}
}
