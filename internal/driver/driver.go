// Package driver defines the contract every protocol driver implements
// and the static registry and supervisor that run it. See SPEC_FULL.md
// §3.5.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/gateway-rust-go/internal/endpointkit"
	"github.com/nugget/gateway-rust-go/internal/frame"
	"github.com/nugget/gateway-rust-go/internal/framebus"
)

// ErrUnsupported is the default Write behavior for drivers that embed
// Unimplemented without overriding it, matching the original Driver
// trait's default method body (Go interfaces have no default method
// bodies, so an embeddable helper is the idiomatic substitute).
var ErrUnsupported = errors.New("driver: write not supported")

// Kind classifies how a driver is loaded.
type Kind int

const (
	KindStatic Kind = iota // compiled in, registered via init()
	KindDyn                // loaded from a shared library (not implemented by this core)
	KindWasm               // loaded into a WASM sandbox (not implemented by this core)
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindDyn:
		return "dyn"
	case KindWasm:
		return "wasm"
	default:
		return "unknown"
	}
}

// Meta describes a driver for discovery and compatibility checking.
type Meta struct {
	Name        string
	Kind        Kind
	Version     string
	APIVersion  uint16
	Description string
	Features    []string
}

// APIVersion is the current driver ABI version new static drivers should
// declare in their Meta.
const APIVersion uint16 = 1

// Driver is the contract a protocol implementation fulfils per
// spec.md §4.3.1. Init must not perform I/O; Connect binds the driver to
// a pooled endpoint handle; ReadLoop is the main work loop and is not
// expected to return under normal operation.
type Driver interface {
	Meta() Meta
	Init(cfg map[string]any) error
	Connect(ctx context.Context, handle *endpointkit.Handle) error
	ReadLoop(ctx context.Context, pub *framebus.Publisher) error
	Write(ctx context.Context, cmd frame.CmdFrame) error
	Shutdown(ctx context.Context) error
}

// Unimplemented is embedded by drivers that don't support commands,
// giving them ErrUnsupported/nil defaults for Write/Shutdown without
// requiring every driver to restate the same stub.
type Unimplemented struct{}

func (Unimplemented) Write(ctx context.Context, cmd frame.CmdFrame) error {
	return fmt.Errorf("%w: tag %q", ErrUnsupported, cmd.Tag)
}

func (Unimplemented) Shutdown(ctx context.Context) error { return nil }
