package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/store"
)

// UploadsCollection はアップロードを保存するコレクション名。
const UploadsCollection = "uploads"

// UploadPath はアップロードのストアパスを返す。
func UploadPath(id string) string {
	return UploadsCollection + "/" + id
}

// UploadsByUser はユーザーのアップロードを絞り込むQueryを返す。
func UploadsByUser(userID string) store.Query {
	return store.Query{Path: UploadsCollection, OrderByChild: "userId", EqualTo: userID}
}

// StoreUploadRepo はドキュメントストアを使用したアップロードリポジトリ。
type StoreUploadRepo struct {
	store store.Store
}

// NewStoreUploadRepo はStoreUploadRepoを生成する。
func NewStoreUploadRepo(s store.Store) *StoreUploadRepo {
	return &StoreUploadRepo{store: s}
}

// NewID はストアのpush-idで新しいIDを払い出す。
func (r *StoreUploadRepo) NewID(ctx context.Context) (string, error) {
	id, err := r.store.Push(ctx, UploadsCollection)
	if err != nil {
		return "", fmt.Errorf("failed to allocate upload id: %w", err)
	}
	return id, nil
}

// Create はアップロードを書き込む。
func (r *StoreUploadRepo) Create(ctx context.Context, upload *model.Upload) error {
	if err := r.store.Set(ctx, UploadPath(upload.ID), upload); err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// FindByID は指定IDのアップロードを取得する。見つからない場合はnilを返す。
func (r *StoreUploadRepo) FindByID(ctx context.Context, id string) (*model.Upload, error) {
	snap, err := r.store.Get(ctx, UploadPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to find upload by ID: %w", err)
	}
	upload := &model.Upload{}
	ok, err := snap.Decode(upload)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return upload, nil
}

// ListByUserID はユーザーのアップロードを返す。
func (r *StoreUploadRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Upload, error) {
	snap, err := r.store.Query(ctx, UploadsByUser(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list user uploads: %w", err)
	}
	return store.DecodeList[*model.Upload](snap)
}

// List は全アップロードを返す。
func (r *StoreUploadRepo) List(ctx context.Context) ([]*model.Upload, error) {
	snap, err := r.store.Get(ctx, UploadsCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	return store.DecodeList[*model.Upload](snap)
}

// Update は指定フィールドのみをマージする。
func (r *StoreUploadRepo) Update(ctx context.Context, id string, patch model.UploadPatch) error {
	fields := make(map[string]any, 6)
	if patch.Filename != nil {
		fields["filename"] = *patch.Filename
	}
	if patch.ChartType != nil {
		fields["chartType"] = *patch.ChartType
	}
	if len(patch.ChartData) > 0 {
		fields["chartData"] = patch.ChartData
	}
	if patch.XAxis != nil {
		fields["xAxis"] = *patch.XAxis
	}
	if patch.YAxis != nil {
		fields["yAxis"] = *patch.YAxis
	}
	if patch.Is3D != nil {
		fields["is3D"] = *patch.Is3D
	}
	if len(fields) == 0 {
		return nil
	}
	if err := r.store.Update(ctx, UploadPath(id), fields); err != nil {
		return fmt.Errorf("failed to update upload: %w", err)
	}
	return nil
}

// Delete は指定IDのアップロードを削除する。
func (r *StoreUploadRepo) Delete(ctx context.Context, id string) error {
	if err := r.store.Remove(ctx, UploadPath(id)); err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	return nil
}

// CountActiveUsersSince は since 以降にアップロードしたユーザーの異なる数を返す。
// ストアが集計に対応していれば委譲し、そうでなければ全件取得して重複を除く。
func (r *StoreUploadRepo) CountActiveUsersSince(ctx context.Context, since int64) (int, error) {
	if agg, ok := r.store.(store.Aggregator); ok {
		n, err := agg.CountDistinctSince(ctx, UploadsCollection, "userId", "uploadDate", since)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, errors.ErrUnsupported) {
			return 0, fmt.Errorf("failed to count active users: %w", err)
		}
	}

	uploads, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	active := make(map[string]struct{})
	for _, u := range uploads {
		if u.UploadDate >= since {
			active[u.UserID] = struct{}{}
		}
	}
	return len(active), nil
}

// compile-time interface check
var _ UploadRepository = (*StoreUploadRepo)(nil)
