// Package storage provides the durable key-value layer behind the ledger.
//
// Every driver stores opaque byte values under string keys. Callers own the
// encoding; the ledger writes its whole collection under one key.
//
// Drivers:
//   - memory: process-local map (tests, ephemeral runs)
//   - file:   one JSON document, replaced atomically on each write
//   - sqlite: single kv table (modernc.org/sqlite through sqlx)
//   - redis:  plain GET/SET/DEL with an optional key prefix
package storage
