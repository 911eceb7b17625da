/*
Package provisioner brings up the containers of a session.

Initialize resolves the project's dependency graph into levels and starts
them in order; the containers of one level start concurrently. For every
container it:

 1. derives a unique hostname from the session and container ids
 2. prepares the workspace directory (cloning the project repository once)
 3. builds the environment, including HUTCH_HOST_<NAME> for every sibling
 4. creates and starts it on the session network, with one alias per port
 5. records the runtime id and marks the record running

Before a container starts, its service_healthy dependencies must report
healthy. Once every level is up, the exposed ports are registered with the
proxy and the returned routes are stored on the session.

Failures are not retried. Any error after dependency resolution runs the
error teardown path and the session ends up in the error state. A cycle
fails before anything is created. If the session is deleted while
Initialize runs, whatever was started is removed as orphaned resources.
*/
package provisioner
