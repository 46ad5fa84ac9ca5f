// Package cmd implements the command-line interface of beanrt.
//
// The package is organized into subpackages:
//
//   - run: Deploys the account entity bean on a persistence backend and
//     drives a concurrent transactional workload against it
//   - util: Shared utilities for flag handling, configuration and backend
//     setup (internal use)
//
// Every flag can also be set through the environment with the BEANRT_ prefix,
// e.g. BEANRT_LOCK_TIMEOUT=1s. Values in .env and .env.local are loaded first.
//
// See beanrt -help for a list of all commands.
package cmd
