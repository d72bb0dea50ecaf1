// Package interp owns the embedded-interpreter lifecycle around the
// archive importer: building indexes and backends from configured
// archives, installing the importer as the load hook ahead of any
// fallback, and caching loaded modules per instance.
//
// # Startup
//
// Start opens every configured archive, builds its index, and wires an
// importer over the resulting mounts. Any failure during startup is a
// bootstrap error and nothing is left open. Archives opened by Start
// are closed by Close; prebuilt mounts passed through Config.Archives
// are the caller's to close, which is what lets several instances
// share one index and backend.
//
// # Loading
//
// Each instance keeps its own module cache. A load hit returns the
// cached globals without re-executing the module; a load already in
// progress on the same instance is an import cycle and fails rather
// than deadlocking or re-entering. The importer is consulted first;
// only names it cannot resolve at all reach the configured fallback.
package interp
