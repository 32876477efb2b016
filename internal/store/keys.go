package store

import (
	"crypto/sha256"
	"encoding/hex"
)

const prefix = "billing:v2"

func walletKey(accountID string) string { return prefix + ":wallet:" + accountID }
func txKey(txID string) string          { return prefix + ":tx:" + txID }
func txIndexKey(accountID string) string {
	return prefix + ":tx-index:" + accountID
}
func summaryKey(accountID, month string) string {
	return prefix + ":summary:" + month + ":" + accountID
}
func eventKey(eventID string) string          { return prefix + ":stripe-event:" + eventID }
func refundCursorKey(chargeID string) string  { return prefix + ":stripe-refund-cursor:" + chargeID }
func customerKey(accountID string) string     { return prefix + ":stripe-customer:" + accountID }
func customerMapKey(customerID string) string { return prefix + ":stripe-customer-map:" + customerID }
func sessionKey(sessionID string) string      { return prefix + ":stripe-session:" + sessionID }
func autoRechargeKey(accountID string) string { return prefix + ":auto-recharge:" + accountID }
// idempotencyKey ends in the fixed-width token digest, so account ids and
// tokens containing ':' cannot collide.
func idempotencyKey(accountID, token string) string {
	sum := sha256.Sum256([]byte(token))
	return prefix + ":idem:" + accountID + ":" + hex.EncodeToString(sum[:])
}
func lockKey(accountID string) string { return prefix + ":lock:auto-recharge:" + accountID }
