package services

import (
	"errors"
	"fmt"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

var (
	// ErrIllegalTransition indicates a status change the lifecycle table does not permit.
	ErrIllegalTransition = errors.New("lifecycle: illegal status transition")
	// ErrInsufficientStock indicates a book does not have enough stock for a reservation.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrSignatureInvalid indicates the gateway confirmation failed verification.
	ErrSignatureInvalid = errors.New("payment: signature invalid")
	// ErrDuplicateRequest indicates an active cancellation request already exists.
	ErrDuplicateRequest = errors.New("cancellation: duplicate request")
	// ErrOrderNotCancellable indicates the order status no longer allows cancellation.
	ErrOrderNotCancellable = errors.New("cancellation: order not cancellable")
	// ErrNotFound indicates the referenced record does not exist or is not visible to the actor.
	ErrNotFound = errors.New("lifecycle: not found")
	// ErrGatewayError indicates the payment gateway could not be reached or rejected the call.
	ErrGatewayError = errors.New("payment: gateway error")
	// ErrInvalidInput signals the caller provided invalid data.
	ErrInvalidInput = errors.New("lifecycle: invalid input")
	// ErrForbidden indicates the actor lacks the privilege for the operation.
	ErrForbidden = errors.New("lifecycle: forbidden")
	// ErrWebhookIgnored indicates a verified webhook carried an event this service does not handle.
	ErrWebhookIgnored = errors.New("payment: webhook event ignored")
	// ErrConflict indicates a concurrent writer changed the record first.
	ErrConflict = errors.New("lifecycle: conflict")
)

// TransitionError reports a rejected status change. It matches ErrIllegalTransition.
type TransitionError struct {
	From domain.OrderStatus
	To   domain.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition.Error(), e.From, e.To)
}

// Is lets errors.Is(err, ErrIllegalTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// mapRepositoryError converts persistence failures into service sentinels.
func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Kind {
		case repositories.StockInsufficient:
			return fmt.Errorf("%w: book %d", ErrInsufficientStock, stockErr.BookID)
		case repositories.StockBookMissing:
			return fmt.Errorf("%w: book %d", ErrNotFound, stockErr.BookID)
		case repositories.StockInvalidQuantity:
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("lifecycle: repository unavailable: %w", err)
		}
	}

	return err
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepositoryConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
