package core

import (
	"testing"
	"time"
)

func TestMoneyValidate(t *testing.T) {
	if err := (Money{Cents: 1}).Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if err := (Money{Cents: -250}).Validate(); err != nil {
		t.Fatalf("expected ok for expense, got %v", err)
	}
	if err := (Money{Cents: 0}).Validate(); err == nil {
		t.Fatalf("expected error for zero")
	}
}

func TestTransactionValidate(t *testing.T) {
	date := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	good := Transaction{
		GroupID:     1,
		Amount:      Money{Cents: -1200},
		Category:    "Groceries",
		Description: "weekly shop",
		RecordDate:  date,
		RecordedBy:  7,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bads := []Transaction{
		{Amount: Money{Cents: 0}, Category: "c", Description: "d", RecordDate: date},
		{Amount: Money{Cents: 1}, Category: "", Description: "d", RecordDate: date},
		{Amount: Money{Cents: 1}, Category: "c", Description: "  ", RecordDate: date},
		{Amount: Money{Cents: 1}, Category: "c", Description: "d", RecordDate: time.Time{}},
	}
	for i, tx := range bads {
		if err := tx.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestLanguageCodeValid(t *testing.T) {
	for _, l := range []LanguageCode{"en", "ru", "pt-BR", "de"} {
		if !l.Valid() {
			t.Fatalf("%q expected valid", l)
		}
	}
	for _, l := range []LanguageCode{"", "e", "en_US!", "verylonglanguage"} {
		if l.Valid() {
			t.Fatalf("%q expected invalid", l)
		}
	}
}
