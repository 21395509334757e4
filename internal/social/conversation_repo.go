package social

import "context"

// Conversation store. Messages are addressed by ConversationKey only.

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns messages newest first; beforeID pages backwards.
func (r *Repo) ListMessages(ctx context.Context, key string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("conversation_key = ?", key).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) CountMessages(ctx context.Context, key string) (int64, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_key = ?", key).
		Count(&cnt).Error; err != nil {
		return 0, err
	}
	return cnt, nil
}

func (r *Repo) DeleteMessages(ctx context.Context, key string) (int64, error) {
	res := r.db.WithContext(ctx).Where("conversation_key = ?", key).Delete(&Message{})
	return res.RowsAffected, res.Error
}
