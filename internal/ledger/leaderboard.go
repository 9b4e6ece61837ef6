package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/lzegg/papertrade/internal/model"
)

// Leaderboard ranks accounts by total profit: realized P&L plus holdings
// marked to the current price. A position whose price can't be fetched
// counts at cost. Ties rank by user ID. limit <= 0 returns every account.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.Standing, error) {
	var accts []*model.Account
	err := s.call(ctx, func(ctx context.Context) (err error) {
		accts, err = s.store.ListAccounts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	// One lookup per code; failures are remembered as zero.
	quotes := make(map[string]decimal.Decimal)
	quote := func(code string) (decimal.Decimal, bool) {
		px, seen := quotes[code]
		if !seen {
			var err error
			if px, err = s.lookupPrice(ctx, code); err != nil {
				slog.Warn("leaderboard valuation skipped", "code", code, "err", err)
			}
			quotes[code] = px
		}
		return px, px.IsPositive()
	}

	board := make([]model.Standing, 0, len(accts))
	for _, a := range accts {
		st := model.Standing{
			UserID:        a.UserID,
			RealizedPnL:   a.RealizedPnL,
			UnrealizedPnL: decimal.Zero,
		}
		equity := a.Cash
		for _, p := range a.SortedPositions() {
			cost := p.CostBasis()
			px, ok := quote(p.Code)
			if !ok {
				equity = equity.Add(cost)
				continue
			}
			mv := px.Mul(decimal.NewFromInt(p.Quantity))
			st.UnrealizedPnL = st.UnrealizedPnL.Add(mv.Sub(cost))
			equity = equity.Add(mv)
		}
		st.TotalProfit = st.RealizedPnL.Add(st.UnrealizedPnL)
		st.TotalEquity = equity
		board = append(board, st)
	}

	sort.Slice(board, func(i, j int) bool {
		if c := board[i].TotalProfit.Cmp(board[j].TotalProfit); c != 0 {
			return c > 0
		}
		return board[i].UserID < board[j].UserID
	})
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}
	for i := range board {
		board[i].Rank = i + 1
	}
	return board, nil
}
