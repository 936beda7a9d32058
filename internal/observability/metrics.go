package observability

// Metric keys resolved by the registered metrics provider. Label sets are listed
// next to each key; providers must register the vectors with exactly these labels.
const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"            // use_case, outcome
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"          // use_case
	MHTTPRequests            MetricKey = "http_requests_total"               // method, route, status
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"     // method, route, status
	MExternalRequests        MetricKey = "external_requests_total"           // peer, endpoint, outcome
	MExternalRequestDuration MetricKey = "external_request_duration_seconds" // peer, endpoint
	MSettlementOutcomes      MetricKey = "settlement_outcomes_total"         // stage
	MSalesCounterFailures    MetricKey = "sales_counter_failures_total"      // reason
	MReconciliationRequired  MetricKey = "reconciliation_required_total"     // reason
)
