// Package store defines interfaces for persistence dependencies (the flow run
// ledger). Implementations live in internal/storage; this package must not
// import database drivers or concrete clients.
package store
