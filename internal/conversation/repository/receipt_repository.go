package repository

import (
	"context"

	"live_conversation_service/internal/conversation/domain"

	"github.com/jackc/pgx/v4/pgxpool"
)

// ReceiptRepository append only delivered/read receipt audit rows.
// soft delete 不會移除這些紀錄
type ReceiptRepository interface {
	Record(ctx context.Context, receipt domain.Receipt) error
	FindByMessage(ctx context.Context, messageID string) ([]domain.Receipt, error)
}

type receiptRepository struct {
	db *pgxpool.Pool
}

// NewReceiptRepository create a ReceiptRepository
func NewReceiptRepository(db *pgxpool.Pool) ReceiptRepository {
	return &receiptRepository{db: db}
}

// EnsureReceiptSchema 建立 message_receipts 資料表，(message_id, user_id, kind) 唯一
func EnsureReceiptSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS message_receipts (
        message_id  TEXT   NOT NULL,
        user_id     TEXT   NOT NULL,
        kind        TEXT   NOT NULL,
        recorded_at BIGINT NOT NULL,
        PRIMARY KEY (message_id, user_id, kind)
      )
    `)
	return err
}

func (r *receiptRepository) Record(ctx context.Context, receipt domain.Receipt) error {
	_, err := r.db.Exec(ctx, `
      INSERT INTO message_receipts(message_id, user_id, kind, recorded_at)
      VALUES ($1, $2, $3, $4)
      ON CONFLICT (message_id, user_id, kind) DO NOTHING
    `,
		receipt.MessageID, receipt.UserID, string(receipt.Kind), receipt.RecordedAt,
	)
	return err
}

func (r *receiptRepository) FindByMessage(ctx context.Context, messageID string) ([]domain.Receipt, error) {
	rows, err := r.db.Query(ctx, `
      SELECT message_id, user_id, kind, recorded_at
      FROM message_receipts
      WHERE message_id = $1
      ORDER BY recorded_at
    `, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []domain.Receipt
	for rows.Next() {
		var rec domain.Receipt
		var kind string
		if err := rows.Scan(&rec.MessageID, &rec.UserID, &kind, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.Kind = domain.ReceiptKind(kind)
		receipts = append(receipts, rec)
	}
	return receipts, rows.Err()
}
