/*
Package database opens the task store database and manages its connection
pool.

Open selects a gorm dialector from config.DatabaseConfig (postgres, mysql or
the pure-Go sqlite driver) and wraps the handle in a PoolManager. The
manager applies pool limits, runs a background ping loop until Close, and
offers WithTransaction and WithTransactionRetry, which retries transactions
that fail with deadlocks, serialization failures, busy sqlite files or
dropped connections.
*/
package database
