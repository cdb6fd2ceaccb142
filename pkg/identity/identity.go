package identity

import (
	"errors"
	"fmt"
)

// Identity errors.
var (
	ErrMissingDUID     = errors.New("device id is required")
	ErrMissingLocalKey = errors.New("local key is required")
	ErrUnknownVersion  = errors.New("unknown protocol generation")
)

// ProtocolVersion selects the codec and cipher variant for a device.
// It is fixed at discovery time and never changes for the lifetime of
// a session.
type ProtocolVersion string

const (
	// VersionV1 is the original binary framing with AES-ECB payloads.
	VersionV1 ProtocolVersion = "1.0"

	// VersionL01 uses the same framing with AES-CBC payloads and a
	// per-message derived IV.
	VersionL01 ProtocolVersion = "L01"

	// VersionB01 is the cloud-oriented generation that multiplexes
	// sub-commands through the common data point wrapper.
	VersionB01 ProtocolVersion = "B01"
)

// Valid reports whether v is a known protocol generation.
func (v ProtocolVersion) Valid() bool {
	switch v {
	case VersionV1, VersionL01, VersionB01:
		return true
	}
	return false
}

func (v ProtocolVersion) String() string {
	return string(v)
}

// Device is the immutable identity of one vacuum. It is owned by the
// session manager and never mutated after discovery/login.
type Device struct {
	// DUID is the unique device identifier.
	DUID string

	// LocalKey is the device's symmetric key. It secures the local
	// channel and, for some generations, the cloud channel as well.
	LocalKey string

	// Version is the protocol generation tag.
	Version ProtocolVersion

	// Name is an optional human-readable label.
	Name string
}

// Validate checks that the identity is complete enough to open a session.
func (d *Device) Validate() error {
	if d.DUID == "" {
		return ErrMissingDUID
	}
	if d.LocalKey == "" {
		return fmt.Errorf("%w: device %s", ErrMissingLocalKey, d.DUID)
	}
	if !d.Version.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownVersion, d.Version)
	}
	return nil
}

// Account carries the cloud routing attributes shared by every device
// under one login. MQTT credentials and topic names are derived from
// these values deterministically.
type Account struct {
	// UserID identifies the account on the cloud relay.
	UserID string

	// MQTTKey is the account-scoped secret used to derive broker
	// credentials.
	MQTTKey string

	// Namespace is the account topic namespace assigned at login.
	Namespace string

	// BrokerURL is the MQTT broker endpoint, e.g. "ssl://host:8883".
	BrokerURL string
}

// Validate checks that the account can derive broker credentials.
func (a *Account) Validate() error {
	if a.UserID == "" || a.MQTTKey == "" {
		return errors.New("account user id and mqtt key are required")
	}
	if a.Namespace == "" {
		return errors.New("account namespace is required")
	}
	return nil
}
