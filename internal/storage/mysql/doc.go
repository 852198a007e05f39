// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations, the auth store, and the append-only
// ledger of executed lending operations.
package mysql
