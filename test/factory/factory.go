// Package factory contains helpers for instantiating tests.
package factory

import (
	"encoding/json"
	"testing"

	"github.com/Shyp/go-types"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/jobs"
	"github.com/Shyp/nimitz/services"
	"github.com/Shyp/nimitz/signer"
	"github.com/Shyp/nimitz/test"
	"github.com/Shyp/nimitz/vault"
	uuid "github.com/kevinburke/go.uuid"
)

var EmptyPayload = json.RawMessage([]byte("{}"))

var JobId types.PrefixUUID

func init() {
	id, _ := types.NewPrefixUUID("job_6740b44e-13b9-475d-af06-979627e0e0d6")
	JobId = id
}

// SigningSecret is the key every factory job signs with, registered in Vault
// under "test-secret".
var SigningSecret = []byte("factory-signing-secret")

// Vault resolves the named secrets the factory jobs use.
var Vault = vault.NewStatic()

// Signer signs factory jobs using Vault.
var Signer = signer.New(Vault)

func init() {
	Vault.Add("test-secret", SigningSecret)
}

type RandomData struct {
	Foo []string `json:"foo"`
	Baz uint8    `json:"baz"`
}

var RD = &RandomData{
	Foo: []string{"bar", "pik_345"},
	Baz: uint8(17),
}

var SampleJob = models.Job{
	Owner:      "shipments",
	Type:       models.TypePost,
	Target:     "https://example.com/webhooks/shipments",
	Payload:    EmptyPayload,
	RetryLimit: 7,
}

var SamplePollJob = models.Job{
	Owner:      "pickups",
	Type:       models.TypePoll,
	Target:     "pickup-batch",
	Payload:    EmptyPayload,
	RetryLimit: 3,
	Signing: models.SigningConfig{
		SecretName: "test-secret",
	},
}

// RandomId returns a random UUID with the given prefix.
func RandomId(prefix string) types.PrefixUUID {
	id := uuid.NewV4()
	return types.PrefixUUID{
		UUID:   id,
		Prefix: prefix,
	}
}

// CreateJob inserts a copy of j through the service layer, which assigns an
// ID, applies defaults, and signs the payload.
func CreateJob(t testing.TB, j models.Job) *models.Job {
	t.Helper()
	test.SetUp(t)
	created, err := services.Create(&j, Signer)
	test.AssertNotError(t, err, "factory: creating job")
	return created
}

// CreateRandomJob inserts a POST job with random payload data and a unique
// target.
func CreateRandomJob(t testing.TB) *models.Job {
	t.Helper()
	dat, err := json.Marshal(RD)
	test.AssertNotError(t, err, "marshaling RD")
	j := SampleJob
	j.Payload = dat
	j.Target = "https://example.com/webhooks/" + RandomId("t").String()
	return CreateJob(t, j)
}

// CreateSignedJob inserts a job configured to sign with SigningSecret.
func CreateSignedJob(t testing.TB, payload json.RawMessage) *models.Job {
	t.Helper()
	j := SampleJob
	j.Payload = payload
	j.Signing = models.SigningConfig{SecretName: "test-secret"}
	return CreateJob(t, j)
}

// CreatePollJob inserts a POLL job for the sample owner.
func CreatePollJob(t testing.TB) *models.Job {
	t.Helper()
	return CreateJob(t, SamplePollJob)
}

// ClaimJob moves a created job into "processing" through the claim query, and
// returns the claimed copy.
func ClaimJob(t testing.TB, id types.PrefixUUID) *jobs.Claimed {
	t.Helper()
	claimed, err := jobs.ClaimEligible(100)
	test.AssertNotError(t, err, "factory: claiming jobs")
	for _, c := range claimed {
		if c.ID.String() == id.String() {
			return c
		}
	}
	t.Fatalf("factory: job %s was not claimed", id.String())
	return nil
}
