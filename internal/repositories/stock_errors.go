package repositories

import "fmt"

// StockErrorKind classifies a stock mutation that did not apply.
type StockErrorKind int

const (
	StockInvalidQuantity StockErrorKind = iota + 1
	StockInsufficient
	StockBookMissing
)

func (k StockErrorKind) String() string {
	switch k {
	case StockInvalidQuantity:
		return "invalid quantity"
	case StockInsufficient:
		return "insufficient stock"
	case StockBookMissing:
		return "book not found"
	default:
		return "stock error"
	}
}

// StockError reports a conditional stock update that touched no row. It satisfies RepositoryError
// so callers that only care about not-found or conflict can treat it generically.
type StockError struct {
	Op       string
	Kind     StockErrorKind
	BookID   int64
	Quantity int
}

func (e *StockError) Error() string {
	msg := fmt.Sprintf("book %d: %s (quantity %d)", e.BookID, e.Kind, e.Quantity)
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *StockError) IsNotFound() bool    { return e.Kind == StockBookMissing }
func (e *StockError) IsConflict() bool    { return e.Kind == StockInsufficient }
func (e *StockError) IsUnavailable() bool { return false }

// NewStockError builds a StockError for op.
func NewStockError(op string, kind StockErrorKind, bookID int64, quantity int) *StockError {
	return &StockError{Op: op, Kind: kind, BookID: bookID, Quantity: quantity}
}
