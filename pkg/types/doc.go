// Package types defines the records of the session engine (projects,
// container definitions, sessions and their containers) and its error
// taxonomy.
package types
