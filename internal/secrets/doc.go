// Package secrets redacts credentials and one-time codes from email text
// before it leaves the machine in a model prompt.
//
// Rule IDs and per-rule counts survive redaction so callers can log what
// was removed without logging the values.
package secrets
