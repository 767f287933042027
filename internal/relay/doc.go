// Package relay holds the instance lifecycle vocabulary shared by the HTTP
// relay and the CLI: instance references, operation results, the error
// taxonomy, and the interfaces the service depends on.
package relay
