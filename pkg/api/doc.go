/*
Package api serves the admin HTTP API of the hutch daemon.

The API is a thin fiber layer over the session manager and the pool
reconciler:

	PUT    /api/v1/projects                     apply project manifests (YAML body)
	GET    /api/v1/projects                     list projects
	POST   /api/v1/projects/:id/sessions        create (or claim) a session
	GET    /api/v1/projects/:id/sessions        list a project's sessions
	POST   /api/v1/projects/:id/pool/reconcile  run one reconciliation and wait
	GET    /api/v1/sessions/:id                 session status and routes
	GET    /api/v1/sessions/:id/containers      per-container status
	DELETE /api/v1/sessions/:id                 tear the session down

	GET    /health  /ready  /live  /metrics

Errors are rendered as {"error": "..."} with the status derived from the
error kind: validation errors are 400, dependency cycles 422, missing
records 404, failed runtime or proxy calls 502 and everything else 500. A reconcile that hits its
deadline still reports its partial result, with status 504.

Creating a session returns as soon as the record exists. Containers come up
in the background; poll the containers route or subscribe to the event
broker to follow them.
*/
package api
