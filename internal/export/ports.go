package export

import (
	"context"

	"commonpurse/internal/core"
)

// TransactionWriter is the outbound port for ledger export targets.
type TransactionWriter interface {
	AppendTransaction(ctx context.Context, t core.Transaction) (rowRef string, err error)
}
