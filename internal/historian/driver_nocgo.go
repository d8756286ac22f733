//go:build !cgo

package historian

// Cross-compiled/cgo-disabled builds (e.g. a minimal edge-gateway image
// built with CGO_ENABLED=0) fall back to the pure-Go modernc.org/sqlite
// driver instead of mattn/go-sqlite3.
import _ "modernc.org/sqlite"

const sqlDriver = "sqlite"
