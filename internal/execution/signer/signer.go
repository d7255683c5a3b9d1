package signer

import "github.com/gagliardetto/solana-go"

// Signer holds the wallet that pays for and signs repay transactions.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(tx *solana.Transaction) error
}
