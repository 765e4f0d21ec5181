// Package token holds the MILL token constants shared by the ledger,
// allocator, and configuration.
package token

import "fmt"

// SupplyCap is the total number of whole tokens that can ever be emitted.
const SupplyCap = 1_000_000_000

// FormatWhole renders a whole-token amount for user-facing messages.
func FormatWhole(amount int64) string {
	return fmt.Sprintf("MILL %d.00", amount)
}
