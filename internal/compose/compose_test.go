package compose

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleListEnv = `
services:
  web:
    image: image-for-web
    environment:
      - FOO=bar
      - BAZ=qux
  db:
    image: postgres:13
`

const sampleMapEnv = `
services:
  web:
    image: image-for-web
    environment:
      FOO: bar
    labels:
      PWR_LEVEL_TYPE: unix
`

func TestServiceEnvironment_NormalizesListForm(t *testing.T) {
	doc, err := Parse([]byte(sampleListEnv))
	require.NoError(t, err)

	env, err := doc.ServiceEnvironment("web")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"FOO": "bar", "BAZ": "qux"}, env)
}

func TestServiceEnvironment_MapFormPassesThrough(t *testing.T) {
	doc, err := Parse([]byte(sampleMapEnv))
	require.NoError(t, err)

	env, err := doc.ServiceEnvironment("web")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"FOO": "bar"}, env)
}

func TestEnsureVirtualHost_AddsWhenAbsent(t *testing.T) {
	doc, err := Parse([]byte(sampleListEnv))
	require.NoError(t, err)

	require.NoError(t, doc.EnsureVirtualHost("web", "aaaa-bbbb"))

	env, err := doc.ServiceEnvironment("web")
	require.NoError(t, err)
	assert.Equal(t, "aaaa-bbbb", env["VIRTUAL_HOST"])
	assert.Equal(t, "bar", env["FOO"])
}

func TestEnsureVirtualHost_LeavesExistingValue(t *testing.T) {
	doc, err := Parse([]byte(`
services:
  web:
    image: image-for-web
    environment:
      VIRTUAL_HOST: custom.example.com
`))
	require.NoError(t, err)

	require.NoError(t, doc.EnsureVirtualHost("web", "aaaa-bbbb"))

	env, err := doc.ServiceEnvironment("web")
	require.NoError(t, err)
	assert.Equal(t, "custom.example.com", env["VIRTUAL_HOST"])
}

func TestServiceLabel_FallsBackToSecondKey(t *testing.T) {
	doc, err := Parse([]byte(`
services:
  web:
    image: image-for-web
    labels:
      PATHWAR_LEVEL_TYPE: unix
  db:
    image: postgres:13
`))
	require.NoError(t, err)

	v, ok := doc.ServiceLabel("web", "PWR_LEVEL_TYPE", "PATHWAR_LEVEL_TYPE")
	require.True(t, ok)
	assert.Equal(t, "unix", v)

	_, ok = doc.ServiceLabel("db", "PWR_LEVEL_TYPE", "PATHWAR_LEVEL_TYPE")
	assert.False(t, ok)
}

func TestFirstServiceName_DeclarationOrder(t *testing.T) {
	doc, err := Parse([]byte(sampleListEnv))
	require.NoError(t, err)

	name, ok := doc.FirstServiceName()
	require.True(t, ok)
	assert.Equal(t, "web", name)
}

func TestParse_MalformedRejected(t *testing.T) {
	_, err := Parse([]byte("not_services: true"))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestMarshal_RoundTripsLabels(t *testing.T) {
	doc, err := Parse([]byte(sampleMapEnv))
	require.NoError(t, err)

	out, err := doc.Marshal()
	require.NoError(t, err)

	reparsed, err := Parse(out)
	require.NoError(t, err)
	label, ok := reparsed.ServiceLabel("web", "PWR_LEVEL_TYPE")
	require.True(t, ok)
	assert.Equal(t, "unix", label)
}
