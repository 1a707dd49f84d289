// Package dsl defines the YAML workflow definition format: the schema,
// file and directory parsing, structural validation of the step graph, and
// the condition expression language used by step conditions and triggers.
package dsl
