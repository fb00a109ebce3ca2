// Package storage persists the delivery audit trail: which message was posted
// or edited for which school record, and when.
//
// Reconciliation state (the notice registry) is deliberately not stored here;
// after a restart notices are posted again.
package storage
