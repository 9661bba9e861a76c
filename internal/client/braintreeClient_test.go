package client

import (
	"encoding/base64"
	"testing"

	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func btPayload(xml string) string {
	return base64.StdEncoding.EncodeToString([]byte(xml))
}

func TestParseBraintreePayload_Settled(t *testing.T) {
	ev, err := parseBraintreePayload(btPayload(`<?xml version="1.0" encoding="UTF-8"?>
<notification>
  <timestamp type="datetime">2024-03-01T10:00:00Z</timestamp>
  <kind>transaction_settled</kind>
  <subject>
    <transaction>
      <id>bt_tx_1</id>
      <status>settled</status>
      <amount>50.00</amount>
      <currency-iso-code>USD</currency-iso-code>
      <order-id>pay_1</order-id>
    </transaction>
  </subject>
</notification>`))
	require.NoError(t, err)

	assert.Equal(t, gateway.EventPaymentSucceeded, ev.Kind)
	assert.Equal(t, model.GatewayBraintree, ev.Gateway)
	assert.Equal(t, "bt_tx_1", ev.TransactionID)
	assert.Equal(t, "pay_1", ev.Reference)
	assert.Equal(t, int64(5000), ev.Amount)
	assert.Equal(t, "transaction_settled:bt_tx_1:1709287200", ev.ID)
}

func TestParseBraintreePayload_DisputeOpened(t *testing.T) {
	ev, err := parseBraintreePayload(btPayload(`<notification>
  <timestamp type="datetime">2024-03-02T10:00:00Z</timestamp>
  <kind>dispute_opened</kind>
  <subject>
    <dispute>
      <id>dp_1</id>
      <reason>fraud</reason>
      <status>open</status>
      <amount>25.00</amount>
      <transaction>
        <id>bt_tx_2</id>
        <currency-iso-code>USD</currency-iso-code>
        <order-id>pay_2</order-id>
      </transaction>
    </dispute>
  </subject>
</notification>`))
	require.NoError(t, err)

	assert.Equal(t, gateway.EventDisputeCreated, ev.Kind)
	assert.Equal(t, "bt_tx_2", ev.TransactionID)
	require.NotNil(t, ev.Dispute)
	assert.Equal(t, "dp_1", ev.Dispute.ID)
	assert.Equal(t, "fraud", ev.Dispute.Reason)
	assert.Equal(t, int64(2500), ev.Dispute.Amount)
}

func TestParseBraintreePayload_SettlementDeclined(t *testing.T) {
	ev, err := parseBraintreePayload(btPayload(`<notification>
  <timestamp type="datetime">2024-03-03T10:00:00Z</timestamp>
  <kind>transaction_settlement_declined</kind>
  <subject><transaction><id>bt_tx_3</id><amount>10.00</amount><currency-iso-code>USD</currency-iso-code></transaction></subject>
</notification>`))
	require.NoError(t, err)
	assert.Equal(t, gateway.EventPaymentFailed, ev.Kind)
	assert.Equal(t, "settlement declined", ev.Failure)
}

func TestBraintreeFactory_RequiresCredentials(t *testing.T) {
	_, err := BraintreeFactory{}.NewGateway(&model.TenantGateway{MerchantID: "m"})
	assert.Error(t, err)

	gw, err := BraintreeFactory{}.NewGateway(&model.TenantGateway{MerchantID: "m", PublicKey: "pub", SecretKey: "priv", Sandbox: true})
	require.NoError(t, err)
	assert.Equal(t, model.GatewayBraintree, gw.Type())
}
