package lend

import (
	"fmt"
	"math/big"
	"sync"
)

// Custody is the token-custody collaborator: standard fungible-asset
// transfer semantics. Deposits and withdrawals call through it before the
// ledger's own balances change, so for every asset the sum of ledger
// collateral always matches the custodied balance minus extracted fees.
type Custody interface {
	// TransferIn moves amount of asset from the user into the vault.
	TransferIn(user, asset string, amount *big.Int) error
	// TransferOut moves amount of asset from the vault back to the user.
	TransferOut(user, asset string, amount *big.Int) error
	// BalanceOf reports the vault's custodied balance for an asset.
	BalanceOf(asset string) *big.Int
}

// VaultCustody is an in-memory Custody used by the daemon in standalone
// mode and by tests. External wallet balances are seeded with Mint.
type VaultCustody struct {
	wallets map[string]map[string]*big.Int // user -> asset -> balance
	vault   map[string]*big.Int            // asset -> custodied balance
	mu      sync.Mutex
}

// NewVaultCustody creates an empty in-memory vault.
func NewVaultCustody() *VaultCustody {
	return &VaultCustody{
		wallets: make(map[string]map[string]*big.Int),
		vault:   make(map[string]*big.Int),
	}
}

// Mint credits a user's external wallet balance.
func (v *VaultCustody) Mint(user, asset string, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.walletBalance(user, asset).Add(v.walletBalance(user, asset), amount)
}

// WalletBalance reports a user's external wallet balance.
func (v *VaultCustody) WalletBalance(user, asset string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.walletBalance(user, asset))
}

func (v *VaultCustody) walletBalance(user, asset string) *big.Int {
	assets, ok := v.wallets[user]
	if !ok {
		assets = make(map[string]*big.Int)
		v.wallets[user] = assets
	}
	bal, ok := assets[asset]
	if !ok {
		bal = new(big.Int)
		assets[asset] = bal
	}
	return bal
}

func (v *VaultCustody) vaultBalance(asset string) *big.Int {
	bal, ok := v.vault[asset]
	if !ok {
		bal = new(big.Int)
		v.vault[asset] = bal
	}
	return bal
}

// TransferIn implements Custody.
func (v *VaultCustody) TransferIn(user, asset string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	wallet := v.walletBalance(user, asset)
	if wallet.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s wallet holds %s %s", ErrInsufficientBalance, user, wallet, asset)
	}
	wallet.Sub(wallet, amount)
	v.vaultBalance(asset).Add(v.vaultBalance(asset), amount)
	return nil
}

// TransferOut implements Custody.
func (v *VaultCustody) TransferOut(user, asset string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.vaultBalance(asset)
	if held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: vault holds %s %s", ErrInsufficientBalance, held, asset)
	}
	held.Sub(held, amount)
	v.walletBalance(user, asset).Add(v.walletBalance(user, asset), amount)
	return nil
}

// BalanceOf implements Custody.
func (v *VaultCustody) BalanceOf(asset string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.vaultBalance(asset))
}
