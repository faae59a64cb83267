// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"fmt"
	"net"
	"unicode"
)

// Limits applied to device-supplied and caller-supplied values.
const (
	MaxDeviceNameLength = 1024
	MaxImageDimension   = 8192
	MaxKeysym           = 0x1FFFFFF
)

// InputValidator validates network input data and caller parameters.
type InputValidator struct{}

func newInputValidator() *InputValidator {
	return &InputValidator{}
}

// ValidateProtocolVersion validates "RFB NNN.NNN\n" version strings.
func (iv *InputValidator) ValidateProtocolVersion(version string) error {
	if len(version) != VersionSize {
		return validationError("InputValidator.ValidateProtocolVersion",
			fmt.Sprintf("protocol version must be exactly %d characters, got %d", VersionSize, len(version)), nil)
	}

	if version[:4] != "RFB " {
		return validationError("InputValidator.ValidateProtocolVersion",
			"protocol version must start with 'RFB '", nil)
	}

	if version[11] != '\n' {
		return validationError("InputValidator.ValidateProtocolVersion",
			"protocol version must end with newline", nil)
	}

	versionPart := version[4:11]
	if versionPart[3] != '.' {
		return validationError("InputValidator.ValidateProtocolVersion",
			"protocol version format must be XXX.YYY", nil)
	}

	for i, char := range versionPart {
		if i == 3 {
			continue
		}
		if char < '0' || char > '9' {
			return validationError("InputValidator.ValidateProtocolVersion",
				"protocol version must contain only digits and dot", nil)
		}
	}

	return nil
}

// ValidateSecurityTypes validates the scheme list offered by the device.
func (iv *InputValidator) ValidateSecurityTypes(securityTypes []uint8) error {
	if len(securityTypes) == 0 {
		return validationError("InputValidator.ValidateSecurityTypes",
			"security types array cannot be empty", nil)
	}

	for i, secType := range securityTypes {
		if secType == 0 {
			return validationError("InputValidator.ValidateSecurityTypes",
				fmt.Sprintf("invalid security type 0 at index %d", i), nil)
		}
	}

	return nil
}

// knownSecurityType reports whether t is a scheme identifier the device is
// documented to send, supported or not.
func knownSecurityType(t uint8) bool {
	switch t {
	case SecurityNone, SecurityVNC, SecurityUKey, SecurityRSA, SecurityRemote, SecurityCentralized:
		return true
	default:
		return false
	}
}

// ValidateImageDimensions validates a negotiated or announced image size.
func (iv *InputValidator) ValidateImageDimensions(width, height uint16) error {
	if width == 0 || height == 0 {
		return validationError("InputValidator.ValidateImageDimensions",
			"image dimensions cannot be zero", nil)
	}

	if width > MaxImageDimension || height > MaxImageDimension {
		return validationError("InputValidator.ValidateImageDimensions",
			fmt.Sprintf("image dimensions too large: %dx%d (max %d)",
				width, height, MaxImageDimension), nil)
	}

	return nil
}

// ValidateDeviceName checks that a device name is printable ASCII.
func (iv *InputValidator) ValidateDeviceName(name string) error {
	if len(name) > MaxDeviceNameLength {
		return validationError("InputValidator.ValidateDeviceName",
			fmt.Sprintf("device name length %d exceeds maximum %d", len(name), MaxDeviceNameLength), nil)
	}

	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7E {
			return validationError("InputValidator.ValidateDeviceName",
				fmt.Sprintf("device name contains non-printable byte 0x%02X at position %d", name[i], i), nil)
		}
	}

	return nil
}

// ValidateMessageLength validates length fields to prevent oversize allocation.
func (iv *InputValidator) ValidateMessageLength(length uint32, maxLength uint32) error {
	if length > maxLength {
		return validationError("InputValidator.ValidateMessageLength",
			fmt.Sprintf("message length %d exceeds maximum %d", length, maxLength), nil)
	}

	return nil
}

// ValidateKeySymbol validates X11 keysym values for key events.
func (iv *InputValidator) ValidateKeySymbol(keysym uint32) error {
	if keysym == 0 {
		return validationError("InputValidator.ValidateKeySymbol",
			"keysym cannot be zero", nil)
	}

	if keysym > MaxKeysym {
		return validationError("InputValidator.ValidateKeySymbol",
			fmt.Sprintf("keysym value too large: 0x%X", keysym), nil)
	}

	return nil
}

// ValidateUsername checks a username is printable ASCII. The DES response
// carries its length, so any length is accepted.
func (iv *InputValidator) ValidateUsername(username string) error {
	for _, r := range username {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return validationError("InputValidator.ValidateUsername",
				"username must be printable ASCII", nil)
		}
	}

	return nil
}

// ValidateAccountUsername checks a username fits the fixed 16-byte field of
// the centralized account block.
func (iv *InputValidator) ValidateAccountUsername(username string) error {
	if len(username) > AccountUsernameSize {
		return validationError("InputValidator.ValidateAccountUsername",
			fmt.Sprintf("username length %d exceeds account block size %d", len(username), AccountUsernameSize), nil)
	}
	return iv.ValidateUsername(username)
}

// ValidateEndpoint checks a host and port before dialing.
func (iv *InputValidator) ValidateEndpoint(host string, port int) error {
	if host == "" {
		return validationError("InputValidator.ValidateEndpoint", "host cannot be empty", nil)
	}

	if port <= 0 || port > 65535 {
		return validationError("InputValidator.ValidateEndpoint",
			fmt.Sprintf("port %d out of range", port), nil)
	}

	if ip := net.ParseIP(host); ip == nil {
		for _, r := range host {
			if !(r == '.' || r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
				return validationError("InputValidator.ValidateEndpoint",
					fmt.Sprintf("invalid host %q", host), nil)
			}
		}
	}

	return nil
}

// SanitizeText replaces non-printable runes so device-supplied strings are
// safe to log.
func (iv *InputValidator) SanitizeText(text string) string {
	if text == "" {
		return text
	}

	out := make([]rune, 0, len(text))
	for _, r := range text {
		switch {
		case r < 32:
			out = append(out, ' ')
		case unicode.IsPrint(r):
			out = append(out, r)
		default:
			out = append(out, '�')
		}
	}

	return string(out)
}
