// Package cmd implements the command-line interface of dSync. It provides
// commands for running the sync server and for editing rooms as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the dSync server
//   - doc: Client commands that read, edit and watch a room (cat, insert, delete, watch, perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsync -help for a list of all commands.
package cmd
