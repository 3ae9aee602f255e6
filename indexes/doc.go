// Package indexes maintains secondary indexes over the key-value
// substrate and answers queries from them.
//
// # Overview
//
// IndexManager keeps one forward index per registered field path:
// an ordered family of keys mapping a formatted field value to the
// primary keys of the records holding it. Because the formatted value
// preserves the natural order of the original value, both exact lookups
// and range queries are plain prefix/range scans.
//
// # Key layout
//
// Index entries live in the reserved "_index" collection:
//
//	idx:{collection}:{model}:{path}:{formatted_value}:key:{primary_key} -> ""
//
// Registration metadata lives in the reserved "_meta" collection:
//
//	idx:{collection}:{model}:{path} -> declared type descriptor (JSON)
//
// Entries for distinct primary keys holding the same value are siblings
// under the same formatted-value prefix, which keeps exact-match scans
// contiguous. The ":key:" token may never appear in a primary key and the
// ":rev:" token may never appear in a formatted value; both are checked
// before anything is staged.
//
// # Integration with writes
//
// Index maintenance runs on the write path. Upsert reads the prior record,
// resolves the old and new field value for every registered path, and
// stages the whole diff — stale entry deletes, fresh entry puts, the
// record itself — into one batch. The batch commits as a unit, so a reader
// never observes a record without its entries or an entry for a value the
// record no longer holds. Delete is symmetric.
//
// The read-old / diff / commit sequence spans two substrate operations and
// is not atomic by itself. All writers of one primary key are therefore
// funneled through a striped mutex; Rebuild and Unregister take every
// stripe.
//
// # Registration lifecycle
//
// Register parses the path, validates it against the declared type and
// persists the metadata; only registered paths are ever maintained.
// Re-registering an existing path is a no-op (an error under
// StrictRegistration). Registration does not touch pre-existing records:
// run Rebuild to index them.
//
// Rebuild drops the model's whole entry family and re-derives it from the
// live records in one batch. It restores every invariant from scratch and
// is the recovery path for corruption as well.
//
// # Failure semantics
//
// Path syntax errors, type validation errors, reserved-token violations
// and unbounded range queries surface before any mutation is staged.
// Substrate failures during commit are returned unmodified; nothing is
// retried here.
//
// # Metrics
//
// Prometheus counters and histograms report maintenance operations, query
// counts, staged entries and rebuild outcomes.
package indexes
