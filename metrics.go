package meridian

const (
	MetricCreateObject         = "create_object_total"
	MetricDropObject           = "drop_object_total"
	MetricRenameObject         = "rename_object_total"
	MetricCatalogCommit        = "catalog_commit_total"
	MetricCatalogCommitSeconds = "catalog_commit_duration_seconds"
	MetricCatalogSnapshot      = "catalog_snapshot_total"
	MetricStatement            = "statement_total"
	MetricPeek                 = "peek_total"
	MetricPeekQueued           = "peek_queued_total"
	MetricPeekSeconds          = "peek_duration_seconds"
	MetricInsert               = "insert_total"
	MetricDataflowInstall      = "dataflow_install_total"
	MetricDataflowDrop         = "dataflow_drop_total"
	MetricAllowCompaction      = "allow_compaction_total"
	MetricUpperAdvance         = "upper_advance_total"
	MetricSinceAdvance         = "since_advance_total"
	MetricHoldsOutstanding     = "holds_outstanding"
	MetricEngineUnresponsive   = "engine_unresponsive_total"
	MetricSourcePoll           = "source_poll_total"
	MetricSourcePollError      = "source_poll_error_total"
	MetricHttpRequest          = "http_request_duration_seconds"
	MetricGarbageCollection    = "garbage_collection_total"
	MetricGoroutines           = "goroutines"
	MetricOpenFiles            = "open_files"
	MetricDiskFree             = "disk_free"
	MetricHeapAlloc            = "heap_alloc"
	MetricHeapInuse            = "heap_inuse"
	MetricStackInuse           = "stack_inuse"
	MetricMallocs              = "mallocs"
	MetricFrees                = "frees"
)
