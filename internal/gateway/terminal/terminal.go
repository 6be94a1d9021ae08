// Package terminal defines the contract the core consumes from a broker terminal.
// Each configured account is reached through exactly one Terminal; calls on the
// two terminals fail and stall independently of each other.
package terminal

import "context"

type Terminal interface {
	ID() string

	AccountID() string

	// Connected reports whether the last handshake succeeded and the terminal is usable.
	Connected() bool

	Connect(ctx context.Context) error

	SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	ClosePosition(ctx context.Context, req CloseRequest) error

	AccountInfo(ctx context.Context) (AccountSnapshot, error)

	ListOpenPositions(ctx context.Context) ([]Ticket, error)

	PositionProfit(ctx context.Context, ticket Ticket) (PositionProfit, error)
}
