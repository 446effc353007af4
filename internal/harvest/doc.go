// Package harvest implements the resumable batch crawl engine: the batch
// runner, the batch scheduler, the retry policy, and the contracts they
// depend on (fetcher, ledger, sink, pacer).
package harvest
