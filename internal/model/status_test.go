package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		want     bool
	}{
		{PaymentPending, PaymentAuthorized, true},
		{PaymentPending, PaymentPaid, true},
		{PaymentAuthorized, PaymentPaid, true},
		{PaymentAuthorized, PaymentCancelled, true},
		{PaymentPaid, PaymentPartiallyRefunded, true},
		{PaymentPartiallyRefunded, PaymentRefunded, true},
		{PaymentPaid, PaymentFailed, false},
		{PaymentPaid, PaymentCancelled, false},
		{PaymentRefunded, PaymentPartiallyRefunded, false},
		{PaymentFailed, PaymentPaid, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestSourcesOf(t *testing.T) {
	assert.ElementsMatch(t, []PaymentStatus{PaymentPending, PaymentAuthorized}, SourcesOf(PaymentFailed))
	assert.ElementsMatch(t, []PaymentStatus{PaymentPaid, PaymentPartiallyRefunded}, SourcesOf(PaymentRefunded))
}

func TestDerivePaymentStatus(t *testing.T) {
	assert.Equal(t, PaymentPending, DerivePaymentStatus(nil))

	payments := []*Payment{
		{PaymentStatus: PaymentPaid},
		{PaymentStatus: PaymentFailed},
	}
	assert.Equal(t, PaymentPaid, DerivePaymentStatus(payments))

	payments = []*Payment{
		{PaymentStatus: PaymentFailed},
		{PaymentStatus: PaymentCancelled},
	}
	assert.Equal(t, PaymentCancelled, DerivePaymentStatus(payments))

	payments = []*Payment{
		{PaymentStatus: PaymentCancelled},
		{PaymentStatus: PaymentAuthorized},
	}
	assert.Equal(t, PaymentAuthorized, DerivePaymentStatus(payments))

	// a newer pending attempt does not hide an older hold
	payments = []*Payment{
		{PaymentStatus: PaymentAuthorized},
		{PaymentStatus: PaymentPending},
	}
	assert.Equal(t, PaymentAuthorized, DerivePaymentStatus(payments))

	payments = []*Payment{
		{PaymentStatus: PaymentRefunded},
		{PaymentStatus: PaymentPending},
	}
	assert.Equal(t, PaymentPending, DerivePaymentStatus(payments))
}
