/*
Package runtime abstracts the container runtime behind the Provider
interface.

Provider covers what the session engine needs and nothing more: container
lifecycle, session networks with DNS aliases, label-filtered lifecycle
events, and log streams. Two implementations exist.

# Docker

DockerRuntime talks to the Docker Engine API. Images are pulled on first
use, the session workspace is bind-mounted at the configured mount point,
and containers join their session network with one alias per exposed port.
Events are filtered server side by type and label; health transitions
arrive as "health_status: <state>" and are normalised to ActionHealth with
the state in Attributes["health_status"].

	rt, err := runtime.NewDockerRuntime("") // DOCKER_HOST or the default socket
	if err != nil {
		return err
	}
	defer rt.Close()

# containerd

ContainerdRuntime runs tasks in the "hutch" namespace. Tasks share the host
network namespace, so networks are bookkeeping only: CreateNetwork and
ConnectNetwork record membership and aliases but configure nothing on the
host. Task output goes to a log file per container, which Logs follows.

Task events (start, exit) and container events (create, delete) are mapped
onto the same normalised actions as Docker events. Label filters are
applied client side by loading the container's labels.

# Labels

Every resource the engine creates carries SessionLabels:

	hutch.managed=true
	hutch.session=<session id>
	hutch.project=<project id>

Monitors subscribe with the managed label and orphan cleanup lists by the
session label, so anything created for a session can be found again even
if its record was lost.

# Errors

Missing containers and networks are reported as *types.NotFoundError.
Every other failure is wrapped as *types.ExternalServiceError naming the
driver and the operation.

# Testing

Package runtimetest provides an in-memory Provider with failure injection
and scripted event streams.
*/
package runtime
