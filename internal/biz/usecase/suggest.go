package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/biz/repo"
)

// SuggestUsecase picks canned replies for a notification
type SuggestUsecase struct {
	replies   map[domain.Category][]string
	suggester repo.ReplySuggester // optional
	log       *zap.Logger
}

// NewSuggestUsecase creates a suggestion usecase. suggester may be nil, in
// which case the configured order is returned unchanged.
func NewSuggestUsecase(replies map[domain.Category][]string, suggester repo.ReplySuggester, logger *zap.Logger) *SuggestUsecase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SuggestUsecase{
		replies:   replies,
		suggester: suggester,
		log:       logger.Named("suggest"),
	}
}

// Replies returns the canned replies for n's category, best first
func (uc *SuggestUsecase) Replies(ctx context.Context, n domain.Notification) []string {
	candidates := uc.replies[n.Category]
	if len(candidates) == 0 {
		candidates = uc.replies[domain.CategoryOther]
	}
	out := append([]string(nil), candidates...)
	if uc.suggester == nil || len(out) < 2 {
		return out
	}

	best, err := uc.suggester.Suggest(ctx, n, out)
	if err != nil {
		uc.log.Debug("suggester unavailable, using configured order", zap.Error(err))
		return out
	}
	if best <= 0 || best >= len(out) {
		return out
	}
	chosen := out[best]
	copy(out[1:best+1], out[:best])
	out[0] = chosen
	return out
}

// IsRankingEnabled returns whether an LLM ranks the replies
func (uc *SuggestUsecase) IsRankingEnabled() bool {
	return uc.suggester != nil
}
