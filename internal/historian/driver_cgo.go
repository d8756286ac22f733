//go:build cgo

package historian

// Cgo builds link the mattn/go-sqlite3 driver, matching every sqlite
// store in the teacher stack (internal/memory, internal/checkpoint,
// internal/usage, internal/opstate all open "sqlite3").
import _ "github.com/mattn/go-sqlite3"

const sqlDriver = "sqlite3"
