// Package bundle provides the core types for working with MEV bundles
// returned by the analytics service, including selection and balance math.
package bundle

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Transaction represents a single transaction inside a bundle. Rows come
// back from the analytics service as loose JSON, so all fields are kept
// in their raw form and accessed through tolerant helpers.
type Transaction map[string]any

// Hash returns the transaction hash or an empty string when missing.
func (tx Transaction) Hash() string {
	s, _ := tx["hash"].(string)
	return s
}

// From returns the sender address or an empty string when missing.
func (tx Transaction) From() string {
	s, _ := tx["from"].(string)
	return s
}

// To returns the destination address or an empty string for creates.
func (tx Transaction) To() string {
	s, _ := tx["to"].(string)
	return s
}

// RequiredBalance returns the minimum balance the sender needs for this
// transaction to be worth simulating: maxFeePerGas * gasLimit + value.
func (tx Transaction) RequiredBalance() *big.Int {
	gasPrice := Wei(tx["maxFeePerGas"])
	gasLimit := Wei(tx["gasLimit"])
	if gasLimit.Sign() == 0 {
		gasLimit = Wei(tx["gas"])
	}
	value := Wei(tx["value"])

	required := new(big.Int).Mul(gasPrice, gasLimit)
	return required.Add(required, value)
}

// Bundle represents one MEV bundle row from the analytics service.
type Bundle struct {
	ID           string
	BlockNumber  uint64
	Refund       *big.Int
	Transactions []Transaction
	Row          map[string]any
}

// FromRows converts raw analytics rows into bundles. Rows with a
// transactions field encoded as a JSON string are decoded in place,
// matching what the hosted query produces. Rows that cannot be parsed
// are skipped rather than failing the whole set.
func FromRows(rows []map[string]any) []Bundle {
	bundles := make([]Bundle, 0, len(rows))

	for i, row := range rows {
		b := Bundle{
			Refund: Wei(row["refund"]),
			Row:    row,
		}

		if id, ok := row["id"].(string); ok && id != "" {
			b.ID = id
		} else {
			b.ID = fmt.Sprintf("bundle_%d", i)
		}

		if bn := Wei(row["block_number"]); bn.IsUint64() {
			b.BlockNumber = bn.Uint64()
		}

		switch txs := row["transactions"].(type) {
		case string:
			if err := json.Unmarshal([]byte(txs), &b.Transactions); err != nil {
				continue
			}
		case []any:
			for _, raw := range txs {
				if m, ok := raw.(map[string]any); ok {
					b.Transactions = append(b.Transactions, Transaction(m))
				}
			}
		}

		bundles = append(bundles, b)
	}

	return bundles
}

// ForBlock filters bundles down to those belonging to the given block.
func ForBlock(bundles []Bundle, blockNumber uint64) []Bundle {
	var matched []Bundle
	for _, b := range bundles {
		if b.BlockNumber == blockNumber {
			matched = append(matched, b)
		}
	}
	return matched
}

// SelectTop applies a greedy selection, ordering bundles by refund from
// highest to lowest and keeping at most max of them. The sort is stable
// so equal refunds keep their original order.
func SelectTop(bundles []Bundle, max int) []Bundle {
	if len(bundles) == 0 || max <= 0 {
		return nil
	}

	selected := make([]Bundle, len(bundles))
	copy(selected, bundles)

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Refund.Cmp(selected[j].Refund) > 0
	})

	if len(selected) > max {
		selected = selected[:max]
	}

	return selected
}

// Wei converts a loosely typed JSON value into an integer wei amount.
// It accepts numbers, decimal strings, and 0x-prefixed hex strings.
// Anything unparseable comes back as zero.
func Wei(v any) *big.Int {
	switch val := v.(type) {
	case nil:
		return new(big.Int)

	case float64:
		bf := new(big.Float).SetFloat64(val)
		wei, _ := bf.Int(nil)
		return wei

	case int:
		return big.NewInt(int64(val))

	case int64:
		return big.NewInt(val)

	case uint64:
		return new(big.Int).SetUint64(val)

	case json.Number:
		if wei, ok := new(big.Int).SetString(val.String(), 10); ok {
			return wei
		}
		if bf, ok := new(big.Float).SetString(val.String()); ok {
			wei, _ := bf.Int(nil)
			return wei
		}

	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return new(big.Int)
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			if wei, ok := new(big.Int).SetString(s[2:], 16); ok {
				return wei
			}
			return new(big.Int)
		}
		if wei, ok := new(big.Int).SetString(s, 10); ok {
			return wei
		}
		if bf, ok := new(big.Float).SetString(s); ok {
			wei, _ := bf.Int(nil)
			return wei
		}

	case *big.Int:
		return new(big.Int).Set(val)
	}

	return new(big.Int)
}

// RefundShare applies the 90% rebate rule to a total backrun value.
func RefundShare(total *big.Int) *big.Int {
	share := new(big.Int).Mul(total, big.NewInt(9))
	return share.Div(share, big.NewInt(10))
}
