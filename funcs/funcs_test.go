package funcs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry()
	r.Register("billing", "charge", func(args map[string]interface{}) (string, error) {
		return fmt.Sprintf("charged %v", args["amount"]), nil
	})
	out, err := r.Invoke("billing", "charge", map[string]interface{}{"amount": 42.0})
	require.NoError(t, err)
	assert.Equal(t, "charged 42", out)
}

func TestRegistryDefaultSchema(t *testing.T) {
	r := NewRegistry()
	r.Register("", "echo", func(args map[string]interface{}) (string, error) {
		return "ok", nil
	})
	out, err := r.Invoke("public", "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestRegistryUnknown(t *testing.T) {
	_, err := NewRegistry().Invoke("public", "missing", nil)
	require.Error(t, err)
}

func TestRegistryErrorPropagates(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("public", "boom", func(args map[string]interface{}) (string, error) {
		return "", boom
	})
	_, err := r.Invoke("public", "boom", nil)
	assert.Equal(t, boom, err)
}

func TestSplitTarget(t *testing.T) {
	schema, name := SplitTarget("billing.charge")
	assert.Equal(t, "billing", schema)
	assert.Equal(t, "charge", name)

	schema, name = SplitTarget("echo")
	assert.Equal(t, DefaultSchema, schema)
	assert.Equal(t, "echo", name)
}
