// Package upload はアップロードとチャート設定のドメインロジックを提供する。
package upload

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/repository"
)

// Archive はスプレッドシート原本の保存先。
type Archive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]model.SourceObject, error)
}

// MetricsRecorder はアップロード作成数を記録する。
type MetricsRecorder interface {
	RecordUploadCreated()
}

// Service はアップロードのサービス層。
type Service struct {
	repo    repository.UploadRepository
	parser  Parser
	archive Archive
	metrics MetricsRecorder
	now     func() time.Time
}

// Option はServiceの生成オプション。
type Option func(*Service)

// WithParser はスプレッドシートのパーサを設定する。既定は MockParser。
func WithParser(p Parser) Option {
	return func(s *Service) { s.parser = p }
}

// WithArchive は原本の保存先を設定する。
func WithArchive(a Archive) Option {
	return func(s *Service) { s.archive = a }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.UploadRepository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		parser: MockParser{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateUpload はpush-idでIDを払い出し、書き込み時点の時刻を付与してアップロードを作成する。
// 書き込んだレコードを返す。
func (s *Service) CreateUpload(ctx context.Context, draft model.UploadDraft) (*model.Upload, error) {
	if draft.UserID == "" {
		return nil, model.NewInvalidInputError("userId is empty")
	}
	if draft.Filename == "" {
		return nil, model.NewInvalidInputError("filename is empty")
	}
	if draft.XAxis == "" || draft.YAxis == "" {
		return nil, model.NewMissingSelectionError()
	}
	if !draft.ChartType.Valid() {
		return nil, model.NewInvalidInputError(fmt.Sprintf("unknown chart type %q", draft.ChartType))
	}

	id, err := s.repo.NewID(ctx)
	if err != nil {
		return nil, fmt.Errorf("アップロードIDの払い出しに失敗しました: %w", err)
	}

	upload := &model.Upload{
		ID:            id,
		UserID:        draft.UserID,
		Filename:      draft.Filename,
		UploadDate:    s.now().UnixMilli(),
		ChartType:     draft.ChartType,
		ChartData:     draft.ChartData,
		XAxis:         draft.XAxis,
		YAxis:         draft.YAxis,
		Is3D:          draft.Is3D,
		SourceFileKey: draft.SourceFileKey,
	}
	if err := s.repo.Create(ctx, upload); err != nil {
		return nil, fmt.Errorf("アップロードの作成に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordUploadCreated()
	}
	slog.Info("アップロードを作成しました",
		slog.String("upload_id", id),
		slog.String("user_id", draft.UserID),
		slog.String("chart_type", string(draft.ChartType)),
	)
	return upload, nil
}

// GetUpload は指定IDのアップロードを返す。存在しない場合はnilを返す。
func (s *Service) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	upload, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("アップロードの取得に失敗しました: %w", err)
	}
	return upload, nil
}

// GetUserUploads はユーザーのアップロードを新しい順で返す。
func (s *Service) GetUserUploads(ctx context.Context, userID string) ([]*model.Upload, error) {
	uploads, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("アップロード一覧の取得に失敗しました: %w", err)
	}
	SortNewestFirst(uploads)
	return uploads, nil
}

// GetAllUploads は全ユーザーのアップロードを新しい順で返す。
func (s *Service) GetAllUploads(ctx context.Context) ([]*model.Upload, error) {
	uploads, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("アップロード一覧の取得に失敗しました: %w", err)
	}
	SortNewestFirst(uploads)
	return uploads, nil
}

// UpdateUpload は指定フィールドをマージする。
func (s *Service) UpdateUpload(ctx context.Context, id string, patch model.UploadPatch) error {
	if patch.ChartType != nil && !patch.ChartType.Valid() {
		return model.NewInvalidInputError(fmt.Sprintf("unknown chart type %q", *patch.ChartType))
	}
	if (patch.XAxis != nil && *patch.XAxis == "") || (patch.YAxis != nil && *patch.YAxis == "") {
		return model.NewMissingSelectionError()
	}
	if err := s.repo.Update(ctx, id, patch); err != nil {
		return fmt.Errorf("アップロードの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteUpload はアップロードを削除する。原本が保存されていれば合わせて削除する。
func (s *Service) DeleteUpload(ctx context.Context, id string) error {
	if s.archive != nil {
		upload, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("アップロードの取得に失敗しました: %w", err)
		}
		if upload != nil && upload.SourceFileKey != "" {
			if err := s.archive.Delete(ctx, upload.SourceFileKey); err != nil {
				// 原本の削除失敗はレコード削除を妨げない
				slog.Warn("原本の削除に失敗しました",
					slog.String("upload_id", id),
					slog.String("key", upload.SourceFileKey),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("アップロードの削除に失敗しました: %w", err)
	}
	slog.Info("アップロードを削除しました", slog.String("upload_id", id))
	return nil
}

// ParseFile はスプレッドシートを解析して列名を返す。
// .xlsx / .xls 以外は受け付けない。原本の保存先があれば userID 配下に保存する。
func (s *Service) ParseFile(ctx context.Context, userID, filename string, data []byte) (*model.ParsedFile, error) {
	if !IsSpreadsheet(filename) {
		return nil, model.NewInvalidFileTypeError(filename)
	}

	parsed, err := s.parser.Parse(ctx, filename, data)
	if err != nil {
		return nil, err
	}

	if s.archive != nil {
		key, err := s.sourceKey(ctx, userID, filename)
		if err != nil {
			return nil, err
		}
		if err := s.archive.Put(ctx, key, data, contentType(filename)); err != nil {
			return nil, fmt.Errorf("原本の保存に失敗しました: %w", err)
		}
		parsed.SourceFileKey = key
	}
	return parsed, nil
}

// SweepOrphanedSources はどのアップロードからも参照されていない原本を削除し、削除件数を返す。
// 解析直後でチャート保存前の原本を消さないよう、grace より新しい原本は対象外とする。
func (s *Service) SweepOrphanedSources(ctx context.Context, grace time.Duration) (int, error) {
	if s.archive == nil {
		return 0, nil
	}

	objects, err := s.archive.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("原本一覧の取得に失敗しました: %w", err)
	}
	uploads, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("アップロード一覧の取得に失敗しました: %w", err)
	}
	referenced := make(map[string]struct{}, len(uploads))
	for _, u := range uploads {
		if u.SourceFileKey != "" {
			referenced[u.SourceFileKey] = struct{}{}
		}
	}

	cutoff := s.now().Add(-grace)
	deleted := 0
	for _, obj := range objects {
		if _, ok := referenced[obj.Key]; ok || obj.LastModified.After(cutoff) {
			continue
		}
		if err := s.archive.Delete(ctx, obj.Key); err != nil {
			slog.Warn("未参照の原本の削除に失敗しました",
				slog.String("key", obj.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// OpenSource はアップロードの原本を開く。原本がない場合はnilを返す。
func (s *Service) OpenSource(ctx context.Context, upload *model.Upload) (io.ReadCloser, error) {
	if s.archive == nil || upload.SourceFileKey == "" {
		return nil, nil
	}
	rc, err := s.archive.Open(ctx, upload.SourceFileKey)
	if err != nil {
		return nil, fmt.Errorf("原本の取得に失敗しました: %w", err)
	}
	return rc, nil
}

func (s *Service) sourceKey(ctx context.Context, userID, filename string) (string, error) {
	id, err := s.repo.NewID(ctx)
	if err != nil {
		return "", fmt.Errorf("原本キーの払い出しに失敗しました: %w", err)
	}
	return fmt.Sprintf("%s/%s%s", userID, id, strings.ToLower(filepath.Ext(filename))), nil
}

func contentType(filename string) string {
	if strings.EqualFold(filepath.Ext(filename), ".xls") {
		return "application/vnd.ms-excel"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// SortNewestFirst はアップロード日時の新しい順に並べ替える。
func SortNewestFirst(uploads []*model.Upload) {
	slices.SortFunc(uploads, func(a, b *model.Upload) int {
		if c := cmp.Compare(b.UploadDate, a.UploadDate); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
