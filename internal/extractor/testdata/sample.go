package sample

import "fmt"

// Vault holds balances.
type Vault struct {
	balances map[string]int
}

// Withdraw moves funds out of the vault.
func (v *Vault) Withdraw(who string, amount int) error {
	if v.balances[who] < amount {
		return fmt.Errorf("insufficient funds")
	}
	v.balances[who] -= amount
	return nil
}

func (v Vault) Balance(who string) int {
	return v.balances[who]
}

// Set is a generic container.
type Set[T comparable] map[T]struct{}

func (s Set[T]) Add(v T) { s[v] = struct{}{} }

// Transfer is a package level function.
func Transfer(from, to *Vault, amount int) error {
	return from.Withdraw("a", amount)
}
