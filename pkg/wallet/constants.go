package wallet

const (
	operationCreateEntry = "create_entry"
	operationBalance     = "balance"
	operationExpireLots  = "expire_lots"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter   = ":"
	idempotencySuffixHeld     = "held"
	idempotencySuffixReversed = "reversed"

	idempotencyPrefixEvent = "evt"
	idempotencyPrefixOrder = "ord"
)

// CurrencyPoints is the only currency the ledger records.
const CurrencyPoints = "POINTS"
