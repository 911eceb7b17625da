package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckManifests(t *testing.T) {
	valid := `
kind: Project
metadata:
  name: demo
spec:
  containers:
    - name: db
      image: postgres:16
    - name: api
      image: example/api
      dependsOn: [{container: db}]
`
	manifests, err := checkManifests([]byte(valid))
	require.NoError(t, err)
	require.Len(t, manifests, 1)

	cyclic := `
kind: Project
metadata:
  name: loop
spec:
  containers:
    - name: a
      image: a
      dependsOn: [{container: b}]
    - name: b
      image: b
      dependsOn: [{container: a}]
`
	_, err = checkManifests([]byte(cyclic))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")

	_, err = checkManifests([]byte("\n"))
	assert.Error(t, err)
}

func TestNewClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://10.0.0.5:8080", newClient("10.0.0.5:8080/").base)
	assert.Equal(t, "https://hutch.example.com", newClient("https://hutch.example.com").base)
}
