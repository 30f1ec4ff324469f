// Package adminapi is the cluster's administrative surface: a small mTLS
// net/http server exposing the migration engine's observable state and a
// few operator actions, for pkg/client and cmd/keyspacectl to drive.
//
// Routes:
//
//	GET  /migrations                        - Engine.Dump(verbose) as JSON
//	POST /migrations/{ns}/{partition}/{dest} - manually emigrate a partition
//	POST /workers                            - set the engine's worker count
//	GET  /healthz                            - liveness probe
//	GET  /metrics                            - Prometheus exposition
//
// The server itself holds no TLS policy — callers construct the
// *tls.Config (mTLS via pkg/security's CA) and pass it to Serve, the same
// separation pkg/fabric's transport keeps between listener and security
// policy.
package adminapi
