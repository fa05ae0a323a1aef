package test_services

import (
	"testing"

	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/services"
	"github.com/Shyp/nimitz/test"
	"github.com/Shyp/nimitz/test/factory"
)

func TestSpawnInheritsParentDefaults(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	parent := factory.CreateSignedJob(t, factory.EmptyPayload)

	child, err := services.SpawnFromResponse(parent, `{"target": "https://example.com/next"}`, factory.Signer)
	test.AssertNotError(t, err, "spawning")
	test.AssertEquals(t, child.Owner, parent.Owner)
	test.AssertEquals(t, child.Type, parent.Type)
	test.AssertEquals(t, child.Target, "https://example.com/next")
	// The child inherits the parent's signing config and gets its own
	// signature.
	test.AssertEquals(t, child.Signing.SecretName, parent.Signing.SecretName)
	_, ok := child.Headers[models.DefaultSignatureHeader]
	test.Assert(t, ok, "child should be signed")
}

func TestSpawnRequiresTarget(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	parent := factory.CreateJob(t, factory.SampleJob)
	_, err := services.SpawnFromResponse(parent, `{"payload": {}}`, factory.Signer)
	test.AssertError(t, err, "spawn without target")
	test.AssertContains(t, err.Error(), "no target")
}

func TestSpawnRejectsMalformedEnvelope(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	parent := factory.CreateJob(t, factory.SampleJob)
	_, err := services.SpawnFromResponse(parent, "not json", factory.Signer)
	test.AssertError(t, err, "spawn with bad body")
}
