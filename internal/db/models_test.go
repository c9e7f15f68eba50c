package db

import "testing"

func TestType_Valid(t *testing.T) {
	valid := []Type{
		TypeConfirmation, TypeReminder24h, TypeReminder1h30, TypeCancelled,
		TypeRescheduled, TypeCompleted, TypeBirthday, TypeCustom,
	}
	for _, typ := range valid {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}

	for _, typ := range []Type{"", "NEWSLETTER", "confirmation"} {
		if typ.Valid() {
			t.Errorf("%q should be invalid", typ)
		}
	}
}

func TestType_QuotaGated(t *testing.T) {
	if !TypeConfirmation.QuotaGated() {
		t.Error("confirmations are quota gated")
	}

	free := []Type{
		TypeReminder24h, TypeReminder1h30, TypeCancelled,
		TypeRescheduled, TypeCompleted, TypeBirthday, TypeCustom,
	}
	for _, typ := range free {
		if typ.QuotaGated() {
			t.Errorf("%s must not consume quota", typ)
		}
	}
}
