package services

import (
	"encoding/json"
	"fmt"

	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/signer"
)

// A SpawnEnvelope is the JSON body a "redirected" response carries to
// describe the one derived job it wants created.
type SpawnEnvelope struct {
	Type       models.JobType       `json:"job_type"`
	Target     string               `json:"target"`
	Payload    json.RawMessage      `json:"payload"`
	Headers    models.Headers       `json:"headers"`
	Auth       models.AuthConfig    `json:"auth"`
	Signing    models.SigningConfig `json:"signing"`
	RetryLimit int                  `json:"retry_limit"`
}

// SpawnFromResponse creates the derived job described by a redirected
// response's body. The child keeps the parent's owner; missing fields fall
// back to the parent's configuration so a bare {"target": ...} envelope is
// enough to chain a follow-up call.
func SpawnFromResponse(parent *models.Job, body string, sig *signer.Signer) (*models.Job, error) {
	var env SpawnEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("services: redirect body is not a spawn envelope: %s", err)
	}
	if env.Target == "" {
		return nil, fmt.Errorf("services: spawn envelope has no target")
	}
	child := &models.Job{
		Owner:      parent.Owner,
		Type:       env.Type,
		Target:     env.Target,
		Payload:    env.Payload,
		Headers:    env.Headers,
		Auth:       env.Auth,
		Signing:    env.Signing,
		RetryLimit: env.RetryLimit,
	}
	if child.Type == "" {
		child.Type = parent.Type
	}
	if !child.Signing.Enabled() && parent.Signing.Enabled() {
		child.Signing = parent.Signing
	}
	return Create(child, sig)
}
