package social

import (
	"context"

	"github.com/suPer8Hu/chatmate/internal/models"
	"gorm.io/gorm"
)

// Repo is the relationship store: users/profiles, friend edges and friend
// requests. Conversation methods live in conversation_repo.go.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction runs fn against a Repo bound to a single database transaction.
// fn must only use the Repo it is given.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

// Users

func (r *Repo) CreateUser(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// CountUsername counts users other than excludingUserID holding username.
func (r *Repo) CountUsername(ctx context.Context, username, excludingUserID string) (int64, error) {
	var cnt int64
	q := r.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username)
	if excludingUserID != "" {
		q = q.Where("id <> ?", excludingUserID)
	}
	if err := q.Count(&cnt).Error; err != nil {
		return 0, err
	}
	return cnt, nil
}

func (r *Repo) UpdateProfile(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", u.ID).
		Updates(map[string]any{
			"username": u.Username,
			"name":     u.Name,
			"bio":      u.Bio,
			"gender":   u.Gender,
		}).Error
}

// Edges

func (r *Repo) CreateEdges(ctx context.Context, edges ...*FriendEdge) error {
	return r.db.WithContext(ctx).Create(edges).Error
}

func (r *Repo) GetEdge(ctx context.Context, ownerID, friendID string) (*FriendEdge, error) {
	var e FriendEdge
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND friend_id = ?", ownerID, friendID).
		First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// PairEdges returns whichever of (a->b, b->a) exist, in any state.
func (r *Repo) PairEdges(ctx context.Context, a, b string) ([]FriendEdge, error) {
	var edges []FriendEdge
	if err := r.db.WithContext(ctx).
		Where("(owner_id = ? AND friend_id = ?) OR (owner_id = ? AND friend_id = ?)", a, b, b, a).
		Find(&edges).Error; err != nil {
		return nil, err
	}
	return edges, nil
}

func (r *Repo) ListEdges(ctx context.Context, ownerID string, state EdgeState) ([]FriendEdge, error) {
	var edges []FriendEdge
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND state = ?", ownerID, state).
		Order("created_at ASC").
		Find(&edges).Error; err != nil {
		return nil, err
	}
	return edges, nil
}

// MarkPairPendingDeletion flips both active edges of the pair and returns the
// number of rows changed.
func (r *Repo) MarkPairPendingDeletion(ctx context.Context, a, b string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&FriendEdge{}).
		Where("((owner_id = ? AND friend_id = ?) OR (owner_id = ? AND friend_id = ?)) AND state = ?", a, b, b, a, EdgeActive).
		Update("state", EdgePendingDeletion)
	return res.RowsAffected, res.Error
}

func (r *Repo) DeletePairEdges(ctx context.Context, a, b string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("(owner_id = ? AND friend_id = ?) OR (owner_id = ? AND friend_id = ?)", a, b, b, a).
		Delete(&FriendEdge{})
	return res.RowsAffected, res.Error
}

func (r *Repo) ListPendingDeletions(ctx context.Context, limit int) ([]FriendEdge, error) {
	if limit <= 0 {
		limit = 100
	}
	var edges []FriendEdge
	if err := r.db.WithContext(ctx).
		Where("state = ?", EdgePendingDeletion).
		Order("updated_at ASC").
		Limit(limit).
		Find(&edges).Error; err != nil {
		return nil, err
	}
	return edges, nil
}

// RefreshFriendName rewrites the snapshot on every edge pointing at userID.
func (r *Repo) RefreshFriendName(ctx context.Context, userID, name string) error {
	return r.db.WithContext(ctx).Model(&FriendEdge{}).
		Where("friend_id = ?", userID).
		Update("friend_name", name).Error
}

// Friend requests

func (r *Repo) CreateFriendRequest(ctx context.Context, req *FriendRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *Repo) GetFriendRequest(ctx context.Context, id string) (*FriendRequest, error) {
	var req FriendRequest
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *Repo) FindFriendRequest(ctx context.Context, fromUserID, toUserID string) (*FriendRequest, error) {
	var req FriendRequest
	if err := r.db.WithContext(ctx).
		Where("from_user_id = ? AND to_user_id = ?", fromUserID, toUserID).
		First(&req).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *Repo) DeleteFriendRequest(ctx context.Context, id string) (int64, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&FriendRequest{})
	return res.RowsAffected, res.Error
}

func (r *Repo) ListIncomingFriendRequests(ctx context.Context, toUserID string) ([]FriendRequest, error) {
	var reqs []FriendRequest
	if err := r.db.WithContext(ctx).
		Where("to_user_id = ?", toUserID).
		Order("created_at ASC").
		Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}
