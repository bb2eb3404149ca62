package ledger

import (
	"context"
	"fmt"
)

// AccountRef names one balance in the ledger.
type AccountRef struct {
	Kind AccountKind
	ID   string
}

func (r AccountRef) String() string { return string(r.Kind) + ":" + r.ID }

// Replay folds entries, oldest first, into final balances starting from zero.
// It fails when an entry's recorded before-balance breaks the running chain,
// which means entries are missing or were written out of order. An account's
// first entry must therefore start at 0.
func Replay(entries []Entry) (map[AccountRef]int64, error) {
	balances := make(map[AccountRef]int64)
	for _, e := range entries {
		ref := AccountRef{Kind: e.Account, ID: e.AccountID}
		cur := balances[ref]
		if e.BalanceBefore != cur {
			return nil, fmt.Errorf("entry %d on %s: balance_before %d, replayed %d", e.ID, ref, e.BalanceBefore, cur)
		}
		if e.BalanceAfter != e.BalanceBefore+e.Amount {
			return nil, fmt.Errorf("entry %d on %s: %d%+d != %d", e.ID, ref, e.BalanceBefore, e.Amount, e.BalanceAfter)
		}
		if e.BalanceAfter < 0 {
			return nil, fmt.Errorf("entry %d on %s: negative balance %d", e.ID, ref, e.BalanceAfter)
		}
		balances[ref] = e.BalanceAfter
	}
	return balances, nil
}

// Mismatch is one account whose stored balance differs from its replayed history.
type Mismatch struct {
	Account  AccountRef
	Stored   int64
	Replayed int64
}

// Audit replays the ledger history of every account it touches and compares
// the result with the stored balance.
func Audit(ctx context.Context, r Reader) ([]Mismatch, error) {
	entries, err := r.Entries(ctx, EntryFilter{})
	if err != nil {
		return nil, err
	}
	replayed, err := Replay(entries)
	if err != nil {
		return nil, err
	}
	var out []Mismatch
	for ref, want := range replayed {
		var got int64
		switch ref.Kind {
		case AccountTreasury:
			got, err = r.TreasuryBalance(ctx, ref.ID)
		default:
			got, err = r.WalletBalance(ctx, ref.ID)
		}
		if err != nil {
			return nil, err
		}
		if got != want {
			out = append(out, Mismatch{Account: ref, Stored: got, Replayed: want})
		}
	}
	return out, nil
}
