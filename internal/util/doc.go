// Package util provides small shared helpers that do not belong to any
// domain-specific package.
package util
