package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UserAccount is the off-chain balance of one end user. The reward balance
// is credited by emissions and cannot be withdrawn directly; it still counts
// towards spending power.
type UserAccount struct {
	ID            int64  `db:"id"`
	UserRef       string `db:"user_ref"`
	Balance       int64  `db:"balance"`
	RewardBalance int64  `db:"reward_balance"`
	CreatedAt     int64  `db:"created_at"`
}

// GetUserAccount loads an account by user reference. Returns nil if the user
// has no account yet.
func (s *Store) GetUserAccount(userRef string) (*UserAccount, error) {
	var a UserAccount
	err := s.conn.Get(&a, `SELECT * FROM user_accounts WHERE user_ref = ?`, userRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user account %s: %w", userRef, err)
	}
	return &a, nil
}

// GetUserAccountTx is GetUserAccount inside a transaction.
func GetUserAccountTx(tx *sqlx.Tx, userRef string) (*UserAccount, error) {
	var a UserAccount
	err := tx.Get(&a, `SELECT * FROM user_accounts WHERE user_ref = ?`, userRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user account %s: %w", userRef, err)
	}
	return &a, nil
}

// CreditUserBalance adds to a user's withdrawable balance, creating the
// account on first touch.
func CreditUserBalance(tx *sqlx.Tx, userRef string, amount int64) error {
	_, err := tx.Exec(`
		INSERT INTO user_accounts (user_ref, balance, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_ref) DO UPDATE SET balance = balance + excluded.balance`,
		userRef, amount, Now())
	if err != nil {
		return fmt.Errorf("credit user %s: %w", userRef, err)
	}
	return nil
}

// CreditUserReward adds to a user's non-withdrawable reward balance.
func CreditUserReward(tx *sqlx.Tx, userRef string, amount int64) error {
	_, err := tx.Exec(`
		INSERT INTO user_accounts (user_ref, reward_balance, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_ref) DO UPDATE SET reward_balance = reward_balance + excluded.reward_balance`,
		userRef, amount, Now())
	if err != nil {
		return fmt.Errorf("credit user %s reward: %w", userRef, err)
	}
	return nil
}

// DebitUserBalance takes amount from the withdrawable balance, spilling into
// the reward balance when the withdrawable part is not enough. The caller
// validates spending power before calling.
func DebitUserBalance(tx *sqlx.Tx, userRef string, amount int64) error {
	a, err := GetUserAccountTx(tx, userRef)
	if err != nil {
		return err
	}
	if a == nil || a.Balance+a.RewardBalance < amount {
		return fmt.Errorf("debit user %s: insufficient balance", userRef)
	}
	fromBalance := amount
	fromReward := int64(0)
	if fromBalance > a.Balance {
		fromReward = fromBalance - a.Balance
		fromBalance = a.Balance
	}
	_, err = tx.Exec(`
		UPDATE user_accounts
		SET balance = balance - ?, reward_balance = reward_balance - ?
		WHERE user_ref = ?`,
		fromBalance, fromReward, userRef)
	if err != nil {
		return fmt.Errorf("debit user %s: %w", userRef, err)
	}
	return nil
}

// CreditDeveloper adds to the developer/treasury account.
func CreditDeveloper(tx *sqlx.Tx, amount int64) error {
	_, err := tx.Exec(`UPDATE developer_account SET balance = balance + ? WHERE id = 1`, amount)
	if err != nil {
		return fmt.Errorf("credit developer account: %w", err)
	}
	return nil
}

// DeveloperBalance returns the developer/treasury account balance.
func (s *Store) DeveloperBalance() (int64, error) {
	var n int64
	err := s.conn.Get(&n, `SELECT balance FROM developer_account WHERE id = 1`)
	if err != nil {
		return 0, fmt.Errorf("developer balance: %w", err)
	}
	return n, nil
}

// UserWallet links a user to the on-chain address used with one agent.
type UserWallet struct {
	ID        int64  `db:"id"`
	UserRef   string `db:"user_ref"`
	AgentID   int64  `db:"agent_id"`
	Address   string `db:"address"`
	CreatedAt int64  `db:"created_at"`
}

// SaveUserWallet upserts a user's wallet address for an agent.
func (s *Store) SaveUserWallet(userRef string, agentID int64, address string) error {
	_, err := s.conn.Exec(`
		INSERT INTO user_wallets (user_ref, agent_id, address, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_ref, agent_id) DO UPDATE SET address = excluded.address`,
		userRef, agentID, address, Now())
	if err != nil {
		return fmt.Errorf("save wallet for user %s: %w", userRef, err)
	}
	return nil
}

// GetUserWallet returns the linked wallet or nil.
func (s *Store) GetUserWallet(userRef string, agentID int64) (*UserWallet, error) {
	var w UserWallet
	err := s.conn.Get(&w, `
		SELECT * FROM user_wallets WHERE user_ref = ? AND agent_id = ?`, userRef, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet for user %s: %w", userRef, err)
	}
	return &w, nil
}

// GetUserWalletTx is GetUserWallet inside an open transaction.
func GetUserWalletTx(tx *sqlx.Tx, userRef string, agentID int64) (*UserWallet, error) {
	var w UserWallet
	err := tx.Get(&w, `
		SELECT * FROM user_wallets WHERE user_ref = ? AND agent_id = ?`, userRef, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet for user %s: %w", userRef, err)
	}
	return &w, nil
}
