// Package entry はエントリの保存と検索の機能を提供する。
package entry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// UpsertService は正規化済みエントリを冪等に保存する。
// エントリごとに独立した書き込みを行うため、途中で失敗してもそれまでの書き込みは残る。
type UpsertService struct {
	entryRepo repository.EntryRepository
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewUpsertService はUpsertServiceの新しいインスタンスを生成する。
// metricsがnilの場合は記録しない。
func NewUpsertService(
	entryRepo repository.EntryRepository,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *UpsertService {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UpsertService{
		entryRepo: entryRepo,
		metrics:   m,
		logger:    logger,
	}
}

// UpsertEntries はエントリを1件ずつUPSERTし、影響を受けた行数の合計を返す。
// 制約違反（model.ConflictWriteError）はそのフィードにとって致命的として、
// 再実行用の生データとともにログに残し、残りのエントリを処理せずに返す。
func (s *UpsertService) UpsertEntries(
	ctx context.Context,
	feedID string,
	entries []model.CanonicalEntry,
) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	affected := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return affected, fmt.Errorf("エントリのUPSERTが中断されました: %w", err)
		}

		n, err := s.entryRepo.Upsert(ctx, feedID, e)
		if err != nil {
			if model.IsConflictWrite(err) {
				s.metrics.RecordConflictWrite()
				s.logger.Error("エントリの書き込みで制約違反が発生しました",
					slog.String("feed_id", feedID),
					slog.String("remote_id", e.RemoteID),
					slog.String("raw_data", e.RawData),
					slog.String("error", err.Error()),
				)
				return affected, err
			}
			return affected, fmt.Errorf("エントリのUPSERTに失敗しました (remote_id=%s): %w", e.RemoteID, err)
		}
		affected += int(n)
	}

	s.metrics.RecordEntriesUpserted(affected)
	s.logger.Debug("エントリUPSERT完了",
		slog.String("feed_id", feedID),
		slog.Int("entries", len(entries)),
		slog.Int("affected", affected),
	)

	return affected, nil
}
