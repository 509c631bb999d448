package ledger

import "time"

const (
	operationCredit       = "credit"
	operationConsume      = "consume"
	operationMonthlyReset = "monthly_reset"
	operationAdjust       = "adjust"
	operationSetTier      = "set_tier"
	operationArchive      = "archive"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	sourceDelimiter = ":"

	defaultApplyAttempts       = 5
	defaultApplyBackoffInitial = 25 * time.Millisecond
	defaultApplyBackoffMax     = 400 * time.Millisecond

	defaultIdempotencyTTL = 24 * time.Hour

	replayPageSize = 500
)
