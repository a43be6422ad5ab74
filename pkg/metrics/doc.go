/*
Package metrics defines Kiln's Prometheus collectors and the /metrics
handler.

All collectors register at package init and share the kiln_ prefix:

	kiln_jobs_submitted_total            submissions accepted
	kiln_jobs_completed_total{outcome}   finished jobs by success/failure
	kiln_jobs_by_status{status}          current job counts per status
	kiln_reconciliation_cycles_total     controller passes
	kiln_reconciliation_duration_seconds pass latency histogram
	kiln_orphans_removed_total           containers swept with no job
	kiln_api_requests_total{method,status} HTTP traffic
	kiln_active_log_streams              open SSE connections

Timer measures a span and feeds a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
*/
package metrics
