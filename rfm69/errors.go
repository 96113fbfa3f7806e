// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package rfm69

import "errors"

var (
	// ErrUnknownRegister is returned for register names not in the SX1231
	// register map.
	ErrUnknownRegister = errors.New("rfm69: unknown register")

	// ErrReadOnlyRegister is returned when writing a status register.
	ErrReadOnlyRegister = errors.New("rfm69: register is read-only")

	// ErrModeTimeout indicates the mode-ready flag never asserted after an
	// operating mode change; the chip is absent or misconfigured.
	ErrModeTimeout = errors.New("rfm69: timeout switching modes")

	// ErrNotConfigured is returned when transmit is requested before the
	// RF parameters (frequency and bit rate) have been applied.
	ErrNotConfigured = errors.New("rfm69: rf parameters not configured")

	// ErrPayloadTooLong is returned for payloads over MaxPayload bytes.
	ErrPayloadTooLong = errors.New("rfm69: payload too long")

	// ErrSendTimeout indicates the packet-sent flag never asserted.
	ErrSendTimeout = errors.New("rfm69: timeout waiting for packet sent")

	// ErrAckTimeout is returned by Send once the full retry budget is
	// exhausted without the target acknowledging. Transient loss on the
	// air is expected; callers should treat this as a soft failure.
	ErrAckTimeout = errors.New("rfm69: no ack received")
)
