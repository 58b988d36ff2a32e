// Package cmd implements the command-line interface for the kv-engine
// memory-pressure subsystem. It provides a hierarchical command structure
// for exercising a bucket under configurable quota and eviction settings.
//
// The package is organized into several subpackages:
//
//   - pressure: Command for running a synthetic workload against a bucket
//     and reporting the paging statistics
//   - util: Shared utilities for command-line processing (internal use)
//
// See kv-engine -help for a list of all commands.
package cmd
