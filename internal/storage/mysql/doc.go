// Package mysql implements the credit ledger on MySQL. It owns the
// connection pool, the embedded schema migrations and the transactional
// compare-and-deduct used to settle execution charges.
package mysql
