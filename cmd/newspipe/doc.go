// Command newspipe runs the news feature pipeline.
//
// Batch commands:
//   - ingest: search the news API and persist a raw JSON snapshot under paths.raw_data.
//   - process: load the newest snapshot, clean and enrich it, validate it against the
//     processed schema and write a CSV (plus optional XLSX) under paths.processed_data.
//   - run: ingest then process. Process is skipped only when ingest halted fatally.
//   - sync upload|download: mirror storage.sync_paths with storage.gcs_bucket.
//   - bucket check: verify the bucket is reachable.
//   - runs: print the newest run ledger entries.
//
// serve exposes the same stages over HTTP together with /healthz, /readyz and /metrics.
//
// Configuration comes from --config and NEWSPIPE_* environment variables
// (NEWSPIPE_NEWS_API_API_KEY, NEWSPIPE_DB_DSN, ...). Batch commands print their results
// as JSON on stdout and logs on stderr. The exit status is non-zero when a stage halts
// on a precondition, data quality or internal failure; absent data and exhausted
// retries exit zero.
package main
