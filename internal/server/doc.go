// Package server runs the listeners and background loops of a switchboard
// process.
//
// Every subcommand builds one Server, mounts its HTTP routes on Router,
// registers long-running loops with Go and cleanup with OnShutdown, then
// blocks in Run. GET /health is always served. When server.grpc_addr is set
// the standard gRPC health service reports SERVING until shutdown begins.
//
// Shutdown order: HTTP, gRPC, background tasks, then cleanup steps.
package server
