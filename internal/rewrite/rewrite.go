// Package rewrite normalizes inbound requests into the upstream's
// deployment-addressed form. Two addressing styles are supported: explicit
// (deployment id already in the path) and inferred (deployment id read
// from the "model" field of the JSON body, with a configured default when
// the field is absent or the body does not parse).
package rewrite

import (
	"encoding/json"
	"net/url"

	"github.com/rmachado/aoai-gateway/internal/domain"
)

// Config carries the routing values fixed at startup.
type Config struct {
	// APIVersion is forced onto every outbound request; callers cannot
	// override it.
	APIVersion string

	// ChatDeployment and EmbeddingDeployment are the per-operation
	// defaults substituted when an inferred-style request names no model.
	ChatDeployment      string
	EmbeddingDeployment string
}

// Target is the rewritten upstream request address. The body is never
// modified, only inspected.
type Target struct {
	Path       string
	Query      url.Values
	Deployment string
	Operation  domain.Operation
}

type Rewriter struct {
	cfg Config
}

func New(cfg Config) *Rewriter {
	return &Rewriter{cfg: cfg}
}

// Explicit handles paths that already carry a deployment segment. Only the
// api-version query parameter is touched.
func (rw *Rewriter) Explicit(op domain.Operation, deployment string, query url.Values) Target {
	return rw.target(op, deployment, query)
}

// Inferred handles generic paths with no deployment segment. The
// deployment id comes from the body's "model" field; a missing field or
// unparsable body yields the configured default rather than an error.
func (rw *Rewriter) Inferred(op domain.Operation, body []byte, query url.Values) Target {
	deployment := modelFromBody(body)
	if deployment == "" {
		deployment = rw.defaultDeployment(op)
	}
	return rw.target(op, deployment, query)
}

func (rw *Rewriter) target(op domain.Operation, deployment string, query url.Values) Target {
	q := url.Values{}
	for k, vs := range query {
		if k == "api-version" {
			continue
		}
		q[k] = vs
	}
	q.Set("api-version", rw.cfg.APIVersion)

	return Target{
		Path:       "/deployments/" + url.PathEscape(deployment) + "/" + string(op),
		Query:      q,
		Deployment: deployment,
		Operation:  op,
	}
}

func (rw *Rewriter) defaultDeployment(op domain.Operation) string {
	if op == domain.OperationEmbeddings {
		return rw.cfg.EmbeddingDeployment
	}
	return rw.cfg.ChatDeployment
}

// modelFromBody reads the model field without consuming or altering the
// body. Any parse failure reads as "no model named".
func modelFromBody(body []byte) string {
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Model
}
