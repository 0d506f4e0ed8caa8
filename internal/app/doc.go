// Package app wires application dependencies for the service and the CLI.
//
// It loads Config from the environment, then builds the relay pool, stores,
// outbox, settlement scheduler, zap validator and HTTP router, exposing them
// via the App struct for commands to use.
package app
