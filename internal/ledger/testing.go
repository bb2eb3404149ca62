package ledger

// SeedWallet is a test helper that sets a wallet balance when using the
// in-memory ledger. It bumps the key version, so a transaction that already
// read the wallet will conflict on commit.
func SeedWallet(l Ledger, ownerID string, gold int64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.wallets[ownerID] = gold
		mem.versions[accountKey(AccountWallet, ownerID)]++
	}
}

// SeedTreasury sets a guild treasury balance on the in-memory ledger.
func SeedTreasury(l Ledger, guildID string, gold int64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.treasuries[guildID] = gold
		mem.versions[accountKey(AccountTreasury, guildID)]++
	}
}

// SeedItems sets how many of itemKey an owner holds on the in-memory ledger.
func SeedItems(l Ledger, ownerID, item string, qty int64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		ref := itemRef{ownerID, item}
		mem.items[ref] = qty
		mem.versions[itemKey(ref)]++
	}
}
