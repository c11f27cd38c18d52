// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import "expvar"

var (
	engineMetrics = new(expvar.Map)

	connsActiveGauge  = new(expvar.Int)
	rpcRequestsCount  = new(expvar.Int)
	rpcErrorsCount    = new(expvar.Int)
	bytesReadCount    = new(expvar.Int)
	bytesWrittenCount = new(expvar.Int)
	callsIssuedCount  = new(expvar.Int)
	callsTimedOut     = new(expvar.Int)
	notesSentCount    = new(expvar.Int)
)

func init() {
	engineMetrics.Set("connections_active", connsActiveGauge)
	engineMetrics.Set("rpc_requests", rpcRequestsCount)
	engineMetrics.Set("rpc_errors", rpcErrorsCount)
	engineMetrics.Set("bytes_read", bytesReadCount)
	engineMetrics.Set("bytes_written", bytesWrittenCount)
	engineMetrics.Set("calls_issued", callsIssuedCount)
	engineMetrics.Set("calls_timed_out", callsTimedOut)
	engineMetrics.Set("notifications_sent", notesSentCount)
}

// Metrics returns a map of exported engine metrics for use with the expvar
// package. This map is shared among all connections, servers and clients in
// the process. The caller is free to add or remove metrics in the map, but
// note that such changes will affect all users.
//
// The caller is responsible for publishing the metrics to the exporter via
// expvar.Publish or similar.
func Metrics() *expvar.Map { return engineMetrics }
