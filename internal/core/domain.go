package core

import (
	"errors"
	"strings"
	"time"
)

const (
	// MaxGroupMembers bounds membership per group; ledgers stay small enough
	// that cascade deletes remain cheap.
	MaxGroupMembers = 20

	// MaxListLimit caps how many transactions a single list call may return.
	MaxListLimit = 10000
)

type (
	UserID  int64
	GroupID int64

	LanguageCode string

	Money struct {
		Cents int64
	}

	// Transaction is one signed ledger row. Amount is positive for income and
	// negative for expenses. RunningTotal is materialized at insert time and is
	// only ever rewritten by the cascade-delete path in the ledger.
	Transaction struct {
		GroupID      GroupID
		ID           int64
		Amount       Money
		RunningTotal Money
		Category     string
		Description  string
		RecordDate   time.Time
		RecordedBy   UserID
	}

	Group struct {
		ID           GroupID
		Owner        UserID
		Token        string
		VersionStamp string
	}

	Member struct {
		GroupID  GroupID
		UserID   UserID
		JoinedAt time.Time
	}
)

var (
	ErrZeroAmount       = errors.New("zero amount")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyCategory    = errors.New("empty category")
	ErrEmptyDescription = errors.New("empty description")
	ErrInvalidDate      = errors.New("invalid record date")
)

func (m Money) Validate() error {
	if m.Cents == 0 {
		return ErrZeroAmount
	}
	return nil
}

// IsIncome reports whether the amount adds to the group balance.
func (m Money) IsIncome() bool {
	return m.Cents > 0
}

func (t Transaction) Validate() error {
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if len(strings.TrimSpace(t.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(t.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if t.RecordDate.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// Valid reports whether the language code looks like a BCP 47 primary subtag.
// Unknown codes are accepted upstream and fall back to the default language.
func (l LanguageCode) Valid() bool {
	if len(l) < 2 || len(l) > 8 {
		return false
	}
	for _, r := range l {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && r != '-' {
			return false
		}
	}
	return true
}
