// Package domain holds the value types shared by the dispatch pipeline:
// contacts, groups, recipient selections, templates and intervals.
package domain
