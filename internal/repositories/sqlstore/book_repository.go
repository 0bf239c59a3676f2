package sqlstore

import (
	"context"

	"gorm.io/gorm"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/platform/sqldb"
	"github.com/bookhaven/api/internal/repositories"
)

// BookRepository mutates the stock counter on catalog books.
type BookRepository struct {
	db *gorm.DB
}

var _ repositories.BookRepository = (*BookRepository)(nil)

// Create stores catalog books. Catalog management lives elsewhere; this backs fixtures and local seeding.
func (r *BookRepository) Create(ctx context.Context, books ...domain.Book) ([]domain.Book, error) {
	if len(books) == 0 {
		return nil, nil
	}
	models := make([]bookModel, 0, len(books))
	for _, book := range books {
		models = append(models, newBookModel(book))
	}
	if err := sqldb.Conn(ctx, r.db).Create(&models).Error; err != nil {
		return nil, sqldb.WrapError("books.create", err)
	}
	out := make([]domain.Book, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (r *BookRepository) FindByIDs(ctx context.Context, bookIDs []int64) ([]domain.Book, error) {
	if len(bookIDs) == 0 {
		return nil, nil
	}
	var models []bookModel
	if err := sqldb.Conn(ctx, r.db).Where("id IN ?", bookIDs).Order("id ASC").Find(&models).Error; err != nil {
		return nil, sqldb.WrapError("books.find_by_ids", err)
	}
	out := make([]domain.Book, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (r *BookRepository) DecrementStock(ctx context.Context, bookID int64, quantity int) error {
	if quantity <= 0 {
		return repositories.NewStockError("books.decrement_stock", repositories.StockInvalidQuantity, bookID, quantity)
	}
	result := sqldb.Conn(ctx, r.db).Model(&bookModel{}).
		Where("id = ? AND stock >= ?", bookID, quantity).
		Update("stock", gorm.Expr("stock - ?", quantity))
	if result.Error != nil {
		return sqldb.WrapError("books.decrement_stock", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := sqldb.Conn(ctx, r.db).Model(&bookModel{}).Where("id = ?", bookID).Count(&count).Error; err != nil {
		return sqldb.WrapError("books.decrement_stock", err)
	}
	if count == 0 {
		return repositories.NewStockError("books.decrement_stock", repositories.StockBookMissing, bookID, quantity)
	}
	return repositories.NewStockError("books.decrement_stock", repositories.StockInsufficient, bookID, quantity)
}

func (r *BookRepository) IncrementStock(ctx context.Context, bookID int64, quantity int) error {
	if quantity <= 0 {
		return repositories.NewStockError("books.increment_stock", repositories.StockInvalidQuantity, bookID, quantity)
	}
	result := sqldb.Conn(ctx, r.db).Model(&bookModel{}).
		Where("id = ?", bookID).
		Update("stock", gorm.Expr("stock + ?", quantity))
	if result.Error != nil {
		return sqldb.WrapError("books.increment_stock", result.Error)
	}
	if result.RowsAffected == 0 {
		return repositories.NewStockError("books.increment_stock", repositories.StockBookMissing, bookID, quantity)
	}
	return nil
}
