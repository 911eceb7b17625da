package provisioner

import (
	"sort"
	"strings"

	"github.com/cuemby/hutch/pkg/types"
)

// Variables injected into every session container. They override
// definition variables of the same name.
const (
	EnvSessionID     = "HUTCH_SESSION_ID"
	EnvProjectID     = "HUTCH_PROJECT_ID"
	EnvContainerID   = "HUTCH_CONTAINER_ID"
	EnvContainerName = "HUTCH_CONTAINER_NAME"
	EnvHostname      = "HUTCH_HOSTNAME"
	EnvWorkspace     = "HUTCH_WORKSPACE"
	envHostPrefix    = "HUTCH_HOST_"
)

// buildEnv merges the definition's environment with session-derived
// variables and returns sorted KEY=VALUE pairs. siblings maps container
// names to their session hostnames.
func buildEnv(def *types.ContainerDefinition, sess *types.Session, prep *prepared, mount string, siblings map[string]string) []string {
	env := make(map[string]string, len(def.Env)+6+len(siblings))
	for k, v := range def.Env {
		env[k] = v
	}

	for name, host := range siblings {
		env[envHostPrefix+envName(name)] = host
	}

	env[EnvSessionID] = sess.ID
	env[EnvProjectID] = sess.ProjectID
	env[EnvContainerID] = def.ID
	env[EnvContainerName] = def.Name
	env[EnvHostname] = prep.hostname
	if prep.workspace != "" {
		env[EnvWorkspace] = mount
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// envName turns a container name into an environment variable suffix
func envName(name string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(name) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
