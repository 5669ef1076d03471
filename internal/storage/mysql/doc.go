// Package mysql opens the relational database used for durable chat tasks
// and the usage ledger, and applies the embedded schema migrations shipped
// under deploy/migrations. MySQL is the production driver; the pure-Go
// sqlite driver is accepted for local runs and tests.
package mysql
