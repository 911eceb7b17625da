// Package health probes session containers from the outside.
//
// Images without a HEALTHCHECK, and every task under containerd, report no
// health status. A service_healthy dependency on such a container falls back
// to probing its first exposed port: an HTTP GET for ports named "http",
// a TCP connect otherwise.
package health
