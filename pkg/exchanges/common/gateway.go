package common

import "context"

// Gateway abstracts the order-writing surface of a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
}
