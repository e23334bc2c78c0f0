package metrics

type NoopMetrics struct{}

var _ Metricer = (*NoopMetrics)(nil)

func (*NoopMetrics) RecordPaymentReceived()        {}
func (*NoopMetrics) RecordBatchCreated(int)        {}
func (*NoopMetrics) RecordBatchTransition(string)  {}
func (*NoopMetrics) RecordBatchFailed()            {}
func (*NoopMetrics) RecordBatchConfirmed()         {}
func (*NoopMetrics) RecordTickError(string)        {}
func (*NoopMetrics) RecordRPCError()               {}
