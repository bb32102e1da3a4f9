// Package mysql stores the history of finished market runs. A JSON-lines file
// backed repository serves single-node setups; the MySQL repository applies the
// embedded schema migrations on start.
package mysql
