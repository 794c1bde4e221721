// Package manager orchestrates the single resident model. It is structured
// into small files by concern:
//
//   - manager.go: core Manager type, catalog and cache pass-throughs.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: stages, outcomes, attempts and results.
//   - errors.go: typed errors and Is predicates used for HTTP mapping.
//   - validate.go: model file validation with a TTL result cache.
//   - ladder.go: the optimized / reduced / cpu-fallback attempt ladder.
//   - load.go: the load state machine, retries, manifest refresh and recovery.
//   - progress.go: load progress fan-out.
//   - persist.go: chosen-config persistence and last-good reuse.
//   - admission.go: generation queueing and the single in-flight slot.
//   - generate.go: NDJSON generation on top of the stream pipeline.
//   - unload.go: Unload and graceful drain.
//   - status_report.go: Status/Snapshot reporting helpers.
//
// Only one load orchestration runs at a time; a second concurrent Load is
// rejected rather than queued. Generation and load share one engine slot so
// the engine never switches models under a running stream.
package manager
