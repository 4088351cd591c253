/*
Package metrics collects Prometheus metrics for installed VFS instances.

Every dispatch call is recorded by RecordOperation with the VFS name, the
operation and the status returned to the engine:

	sqlitevfs_operations_total{vfs,operation,status}
	sqlitevfs_operation_duration_seconds{vfs,operation}
	sqlitevfs_operation_size_bytes{vfs,operation}
	sqlitevfs_errors_total{vfs,operation,kind}

Backends are exported through TrackBackend, which reads their stats at scrape
time:

	sqlitevfs_backend_slots{vfs}
	sqlitevfs_backend_files{vfs}
	sqlitevfs_backend_open_files{vfs}
	sqlitevfs_backend_dirty_blocks{vfs}
	sqlitevfs_backend_pending_removals{vfs}
	sqlitevfs_backend_commits_total{vfs}
	sqlitevfs_backend_commit_failures_total{vfs}
	sqlitevfs_backend_commit_breaker_open{vfs}

The registry is private. Serve it with Handler, or with Start when an address is
configured:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "sqlitevfs",
		Address:   ":9090",
	})
	if err != nil {
		return err
	}
	collector.Start(ctx)

A nil Collector, or one created with Enabled false, accepts every call and
records nothing.
*/
package metrics
