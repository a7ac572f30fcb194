// Package domain defines the result types and service contracts shared by
// the services, the persistence layer and the CLI. It contains plain types
// and interfaces only.
package domain
