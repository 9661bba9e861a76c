package model

import "slices"

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentAuthorized        PaymentStatus = "authorized"
	PaymentPaid              PaymentStatus = "paid"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentCancelled         PaymentStatus = "cancelled"
)

type OrderStatus string

const (
	OrderDraft     OrderStatus = "draft"
	OrderPlaced    OrderStatus = "placed"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderCancelled OrderStatus = "cancelled"
)

type GatewayType string

const (
	GatewayStripe    GatewayType = "stripe"
	GatewayBraintree GatewayType = "braintree"
	GatewayPaypal    GatewayType = "paypal"
)

var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentAuthorized, PaymentPaid, PaymentFailed, PaymentCancelled},
	PaymentAuthorized:        {PaymentPaid, PaymentFailed, PaymentCancelled},
	PaymentPaid:              {PaymentRefunded, PaymentPartiallyRefunded},
	PaymentPartiallyRefunded: {PaymentRefunded, PaymentPartiallyRefunded},
}

// CanTransition reports whether a payment may move from one status to another.
func CanTransition(from, to PaymentStatus) bool {
	return slices.Contains(transitions[from], to)
}

// SourcesOf returns every status from which to is reachable.
func SourcesOf(to PaymentStatus) []PaymentStatus {
	var from []PaymentStatus
	for src, targets := range transitions {
		if slices.Contains(targets, to) {
			from = append(from, src)
		}
	}
	slices.Sort(from)
	return from
}

func (s PaymentStatus) Refundable() bool {
	return s == PaymentPaid || s == PaymentPartiallyRefunded
}

func (s PaymentStatus) Settled() bool {
	return s == PaymentPaid || s == PaymentPartiallyRefunded || s == PaymentRefunded
}

func (s PaymentStatus) Terminal() bool {
	return s == PaymentFailed || s == PaymentCancelled
}

// DerivePaymentStatus computes an order's payment_status from its payments.
// The dominant payment is the most recent one holding money (authorized,
// paid or partially refunded); failing that, the most recent one that did not
// fail or get cancelled; failing that, the most recent payment. payments must
// be ordered by creation time ascending.
func DerivePaymentStatus(payments []*Payment) PaymentStatus {
	if len(payments) == 0 {
		return PaymentPending
	}
	for i := len(payments) - 1; i >= 0; i-- {
		if payments[i].PaymentStatus.holdsFunds() {
			return payments[i].PaymentStatus
		}
	}
	for i := len(payments) - 1; i >= 0; i-- {
		if !payments[i].PaymentStatus.Terminal() {
			return payments[i].PaymentStatus
		}
	}
	return payments[len(payments)-1].PaymentStatus
}

func (s PaymentStatus) holdsFunds() bool {
	return s == PaymentAuthorized || s == PaymentPaid || s == PaymentPartiallyRefunded
}
