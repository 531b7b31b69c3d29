// Package tapsalesforce is a Singer tap that replicates Salesforce objects.
//
// The tap reads a configuration, a catalog of selected streams and an
// optional state file, then writes SCHEMA, RECORD, STATE and
// ACTIVATE_VERSION messages to stdout.
//
// # Architecture
//
// A run is driven by pkg/connector/sources/salesforce, which syncs streams
// one at a time:
//
//   - pkg/auth obtains and renews the session (OAuth refresh token or SOAP
//     password login).
//   - pkg/clients sends every REST and Bulk API call, retries transient
//     failures and feeds the Sforce-Limit-Info header to pkg/quota.
//   - pkg/query plans SOQL, splitting wide selections into field chunks
//     merged by Id, and splitting Id spaces into ranges.
//   - pkg/bulk runs Bulk API jobs and resumes them from the bookmark.
//   - pkg/window halves date windows whose queries time out.
//   - pkg/transform coerces values to the catalog schema.
//   - pkg/state keeps bookmarks and optionally persists them to a file or S3.
//
// # Quick Start
//
//	tap-salesforce --config config.json --catalog catalog.json --state state.json > out.jsonl
//
// Exit status is 0 on success (including runs that skipped streams after a
// failed bulk batch), 2 when a quota ceiling stops the run, 3 on
// authentication failure and 1 otherwise.
package tapsalesforce
