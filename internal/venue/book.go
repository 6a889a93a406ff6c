package venue

import (
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type bookLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// orderBookSnapshot 为订单簿快照，价格以 quote 计价，数量以 base 计。
type orderBookSnapshot struct {
	Symbol    string
	Bids      []bookLevel
	Asks      []bookLevel
	Timestamp time.Time
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) orderBookSnapshot {
	var ts time.Time
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	return orderBookSnapshot{
		Symbol:    symbol,
		Bids:      convertLevels(ob.Bids),
		Asks:      convertLevels(ob.Asks),
		Timestamp: ts,
	}
}

func convertLevels(raw [][]float64) []bookLevel {
	levels := make([]bookLevel, 0, len(raw))
	for _, level := range raw {
		if len(level) < 2 || level[0] <= 0 || level[1] <= 0 {
			continue
		}
		levels = append(levels, bookLevel{
			Price:  decimal.NewFromFloat(level[0]),
			Amount: decimal.NewFromFloat(level[1]),
		})
	}
	return levels
}

type bookFill struct {
	filled    decimal.Decimal // 已消耗的源代币
	output    decimal.Decimal // 可得目标代币（未扣费）
	impactPct decimal.Decimal
	depth     decimal.Decimal // 该方向订单簿总容量，源代币计
}

// walkBook 按价格优先逐档吃单。buy 花费 quote 买入 base，sell 卖出 base 换取 quote。
func walkBook(book orderBookSnapshot, side string, amount decimal.Decimal) (bookFill, error) {
	levels := book.Bids
	if side == "buy" {
		levels = book.Asks
	}
	if len(levels) == 0 {
		return bookFill{}, ErrNoLiquidity
	}

	fill := bookFill{}
	remaining := amount
	for _, level := range levels {
		capacity := level.Amount
		if side == "buy" {
			capacity = level.Price.Mul(level.Amount)
		}
		fill.depth = fill.depth.Add(capacity)

		if !remaining.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, capacity)
		if side == "buy" {
			fill.output = fill.output.Add(take.Div(level.Price))
		} else {
			fill.output = fill.output.Add(take.Mul(level.Price))
		}
		fill.filled = fill.filled.Add(take)
		remaining = remaining.Sub(take)
	}

	best := levels[0].Price
	ideal := fill.filled.Mul(best)
	if side == "buy" {
		ideal = fill.filled.Div(best)
	}
	if ideal.IsPositive() {
		fill.impactPct = ideal.Sub(fill.output).Div(ideal).Mul(hundred)
		if fill.impactPct.IsNegative() {
			fill.impactPct = decimal.Zero
		}
	}
	return fill, nil
}

// bookDepth 返回该方向的容量，分别以源代币与目标代币计。
func bookDepth(book orderBookSnapshot, side string) (decimal.Decimal, decimal.Decimal) {
	in, out := decimal.Zero, decimal.Zero
	if side == "buy" {
		for _, l := range book.Asks {
			in = in.Add(l.Price.Mul(l.Amount))
			out = out.Add(l.Amount)
		}
		return in, out
	}
	for _, l := range book.Bids {
		in = in.Add(l.Amount)
		out = out.Add(l.Price.Mul(l.Amount))
	}
	return in, out
}
