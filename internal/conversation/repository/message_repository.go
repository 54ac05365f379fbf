package repository

import (
	"context"

	"live_conversation_service/internal/conversation/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MessageRepository definition message store
// delivered_to / read_by 以 $addToSet 維護，只增不減
type MessageRepository interface {
	// Insert 配發該會話嚴格遞增的 seq 並寫入訊息，這是 send 的持久化點
	Insert(ctx context.Context, msg *domain.Message) error
	FindByID(ctx context.Context, messageID string) (*domain.Message, error)
	AddDelivered(ctx context.Context, messageID, userID string) error
	AddRead(ctx context.Context, messageID, userID string) error
	// AddReadUpTo 將 seq <= upToSeq 的訊息都加上 read_by
	AddReadUpTo(ctx context.Context, conversationID, userID string, upToSeq int64) error
	SetEdited(ctx context.Context, messageID, newContent string, editedAt int64) error
	SetDeleted(ctx context.Context, messageID string, deletedAt int64) error
	// PageBefore 從 beforeSeq (exclusive) 往回取最多 limit 筆，seq 嚴格遞減
	PageBefore(ctx context.Context, conversationID string, beforeSeq, limit int64) ([]domain.Message, error)
	// CountBetween markRead 本次新讀到的筆數：afterSeq < seq <= upToSeq 且 sender != userID，
	// 單一查詢，區間外同時落地的新訊息不會被算進來
	CountBetween(ctx context.Context, conversationID, userID string, afterSeq, upToSeq int64) (int64, error)
	LastSeq(ctx context.Context, conversationID string) (int64, error)
}

type messageRepository struct {
	coll     *mongo.Collection
	counters *mongo.Collection
}

// NewMongoMessageRepository create a MessageRepository
func NewMongoMessageRepository(db *mongo.Database) MessageRepository {
	return &messageRepository{
		coll:     db.Collection("messages"),
		counters: db.Collection("message_counters"),
	}
}

// nextSeq 以 counters collection 的 $inc 配發嚴格遞增序號
func (r *messageRepository) nextSeq(ctx context.Context, conversationID string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (r *messageRepository) Insert(ctx context.Context, msg *domain.Message) error {
	seq, err := r.nextSeq(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	msg.Seq = seq
	_, err = r.coll.InsertOne(ctx, msg)
	return err
}

func (r *messageRepository) FindByID(ctx context.Context, messageID string) (*domain.Message, error) {
	var msg domain.Message
	err := r.coll.FindOne(ctx, bson.M{"_id": messageID}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) AddDelivered(ctx context.Context, messageID, userID string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$addToSet": bson.M{"delivered_to": userID}},
	)
	return err
}

func (r *messageRepository) AddRead(ctx context.Context, messageID, userID string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$addToSet": bson.M{"read_by": userID}},
	)
	return err
}

func (r *messageRepository) AddReadUpTo(ctx context.Context, conversationID, userID string, upToSeq int64) error {
	_, err := r.coll.UpdateMany(ctx,
		bson.M{
			"conversation_id": conversationID,
			"seq":             bson.M{"$lte": upToSeq},
		},
		bson.M{"$addToSet": bson.M{"read_by": userID}},
	)
	return err
}

func (r *messageRepository) SetEdited(ctx context.Context, messageID, newContent string, editedAt int64) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$set": bson.M{
			"content":   newContent,
			"edited":    true,
			"edited_at": editedAt,
		}},
	)
	return err
}

// SetDeleted soft delete：清除內容，保留 id/seq/created_at 與 delivered/read 集合
func (r *messageRepository) SetDeleted(ctx context.Context, messageID string, deletedAt int64) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$set": bson.M{
			"content":    "",
			"deleted":    true,
			"deleted_at": deletedAt,
		}},
	)
	return err
}

func (r *messageRepository) PageBefore(ctx context.Context, conversationID string, beforeSeq, limit int64) ([]domain.Message, error) {
	opts := options.Find().
		SetSort(bson.M{"seq": -1}).
		SetLimit(limit)
	cur, err := r.coll.Find(ctx,
		bson.M{
			"conversation_id": conversationID,
			"seq":             bson.M{"$lt": beforeSeq},
		},
		opts,
	)
	if err != nil {
		return nil, err
	}
	var msgs []domain.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *messageRepository) CountBetween(ctx context.Context, conversationID, userID string, afterSeq, upToSeq int64) (int64, error) {
	return r.coll.CountDocuments(ctx, bson.M{
		"conversation_id": conversationID,
		"seq":             bson.M{"$gt": afterSeq, "$lte": upToSeq},
		"sender_id":       bson.M{"$ne": userID},
	})
}

func (r *messageRepository) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&counter)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}
