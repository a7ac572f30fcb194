// Package app wires application dependencies for the CLI.
//
// It loads Config, opens the state repository the config selects, and
// builds the provider and services over the loaded session.
package app
