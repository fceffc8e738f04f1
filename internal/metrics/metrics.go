package metrics

import (
	"expvar"
)

var (
	// SnapshotsInsertedTotal counts snapshots accepted into the catalog
	SnapshotsInsertedTotal = expvar.NewInt("snapshots_inserted_total")

	// FramesDedupedTotal counts candidate frames suppressed as near-duplicates
	FramesDedupedTotal = expvar.NewInt("frames_deduped_total")

	// SearchRequestsTotal counts full-text search requests
	SearchRequestsTotal = expvar.NewInt("search_requests_total")

	// FramesExtractedTotal counts frames decoded out of video segments
	FramesExtractedTotal = expvar.NewInt("frames_extracted_total")

	// FramesCoalescedTotal counts frame requests served by an in-flight extraction
	FramesCoalescedTotal = expvar.NewInt("frames_coalesced_total")

	// CompactionProcessedTotal counts entries re-encoded or pruned by compaction
	CompactionProcessedTotal = expvar.NewInt("compaction_processed_total")

	// CompactionSkippedTotal counts per-item compaction failures that were skipped
	CompactionSkippedTotal = expvar.NewInt("compaction_skipped_total")

	// RowsPurgedTotal counts snapshot rows removed by retention purge
	RowsPurgedTotal = expvar.NewInt("rows_purged_total")

	// IntegrityWarningsTotal counts sealed artifacts found with a plaintext header
	IntegrityWarningsTotal = expvar.NewInt("integrity_warnings_total")

	// EmbeddingsGeneratedTotal counts successful embedding generations
	EmbeddingsGeneratedTotal = expvar.NewInt("embeddings_generated_total")

	// EmbeddingsFailedTotal counts failed embedding generations
	EmbeddingsFailedTotal = expvar.NewInt("embeddings_failed_total")
)
