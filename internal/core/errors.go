package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err) and
// match with errors.Is.
var (
	// Parsing errors
	ErrMalformedData      = errors.New("applayer: malformed data")
	ErrUnsupportedVersion = errors.New("applayer: unsupported protocol version")
	ErrReassemblyOverflow = errors.New("applayer: record exceeds reassembly limit")
	ErrContract           = errors.New("applayer: parse result violates contract")

	// Transaction errors
	ErrTxNotFound = errors.New("applayer: transaction not found")

	// Registry errors
	ErrParserNotFound = errors.New("applayer: parser not found")
	ErrParserExists   = errors.New("applayer: parser already registered")
	ErrParserDisabled = errors.New("applayer: parser disabled")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("applayer: packet too short")
	ErrUnsupportedProto = errors.New("applayer: unsupported protocol")

	// Plugin errors
	ErrPluginNotFound   = errors.New("applayer: plugin not found")
	ErrPluginInitFailed = errors.New("applayer: plugin init failed")

	// Configuration errors
	ErrConfigInvalid = errors.New("applayer: invalid configuration")

	// Task errors
	ErrTaskStopped = errors.New("applayer: task stopped")
)
