package models

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
)

// Credential is a wallet's signing material as handed to the transaction
// gateway: the public address plus the strkey-encoded seed.
type Credential struct {
	Address string `json:"address"`
	Seed    string `json:"-"`
}

var (
	ErrMalformedAddress = errors.New("malformed address")
	ErrMalformedSeed    = errors.New("malformed seed")
)

// strkey version bytes: seeds render with a leading 'S', accounts with 'G'.
const (
	versionSeed    byte = 18 << 3
	versionAccount byte = 6 << 3
)

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ParseCredential validates an address/seed pair. The fleet refresh skips
// malformed credentials with a warning; they are never fatal.
func ParseCredential(address, seed string) (Credential, error) {
	if err := checkStrkey(address, versionAccount); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	if err := checkStrkey(seed, versionSeed); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedSeed, err)
	}
	return Credential{Address: address, Seed: seed}, nil
}

func checkStrkey(s string, version byte) error {
	if len(s) != 56 {
		return fmt.Errorf("length %d, want 56", len(s))
	}
	raw, err := strkeyEncoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return err
	}
	if len(raw) != 35 {
		return fmt.Errorf("decoded length %d, want 35", len(raw))
	}
	if raw[0] != version {
		return fmt.Errorf("version byte 0x%02x, want 0x%02x", raw[0], version)
	}
	// Checksum is CRC16-XModem over version byte + payload, little-endian.
	want := uint16(raw[33]) | uint16(raw[34])<<8
	if crc16(raw[:33]) != want {
		return errors.New("checksum mismatch")
	}
	return nil
}

func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
