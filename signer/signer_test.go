package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = json.RawMessage(`{"event":"order.created","id":17}`)

func expectedSHA256(secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSignDefaults(t *testing.T) {
	j := &models.Job{
		Payload: payload,
		Signing: models.SigningConfig{Secret: []byte("hunter2")},
	}
	err := New(nil).Sign(j)
	require.NoError(t, err)
	assert.Equal(t, expectedSHA256([]byte("hunter2")), j.Headers["X-HMAC-Signature"])
}

func TestSignPrefixedBase64CustomHeader(t *testing.T) {
	j := &models.Job{
		Payload: payload,
		Signing: models.SigningConfig{
			Secret:   []byte("hunter2"),
			Header:   "X-Sig",
			Style:    models.StylePrefixed,
			Encoding: "base64",
		},
	}
	err := New(nil).Sign(j)
	require.NoError(t, err)
	sig := j.Headers["X-Sig"]
	assert.Regexp(t, `^sha256=`, sig)
	assert.NotContains(t, sig[7:], "=sha256")
}

func TestSignVaultSecret(t *testing.T) {
	v := vault.NewStatic()
	v.Add("orders-key", []byte("hunter2"))
	j := &models.Job{
		Payload: payload,
		Signing: models.SigningConfig{SecretName: "orders-key"},
	}
	err := New(v).Sign(j)
	require.NoError(t, err)
	assert.Equal(t, expectedSHA256([]byte("hunter2")), j.Headers["X-HMAC-Signature"])
}

func TestSignUnknownVaultSecret(t *testing.T) {
	j := &models.Job{
		Payload: payload,
		Signing: models.SigningConfig{SecretName: "nope"},
	}
	err := New(vault.NewStatic()).Sign(j)
	require.Error(t, err)
}

func TestSignSkippedWithoutSecret(t *testing.T) {
	j := &models.Job{Payload: payload}
	err := New(nil).Sign(j)
	require.NoError(t, err)
	assert.Empty(t, j.Headers)
}

func TestComputeAlgorithms(t *testing.T) {
	secret := []byte("k")
	for _, algorithm := range []string{"md5", "sha1", "sha224", "sha256", "sha384", "sha512"} {
		sig, err := Compute(secret, payload, models.SigningConfig{Algorithm: algorithm})
		require.NoError(t, err, algorithm)
		assert.NotEmpty(t, sig, algorithm)
	}
	_, err := Compute(secret, payload, models.SigningConfig{Algorithm: "sha3"})
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	secret := []byte("hunter2")
	cfg := models.SigningConfig{}
	sig, err := Compute(secret, payload, cfg)
	require.NoError(t, err)
	assert.True(t, Verify(secret, payload, sig, cfg))
	assert.False(t, Verify(secret, payload, sig+"00", cfg))
	assert.False(t, Verify([]byte("other"), payload, sig, cfg))
}
