package wallet

const (
	operationSubmit    = "submit"
	operationSyncBatch = "sync_batch"
	operationRedeem    = "redeem"

	operationStatusOK       = "ok"
	operationStatusRejected = "rejected"
	operationStatusError    = "error"

	minBatchSize = 1
	maxBatchSize = 100

	defaultHistoryPageSize = 50
	maxHistoryPageSize     = 200
)
