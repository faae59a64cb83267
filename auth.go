// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultAuthPreference is the order in which offered schemes are chosen.
var DefaultAuthPreference = []uint8{SecurityVNC, SecurityCentralized, SecurityNone}

// Credentials identify the operator to the device.
type Credentials struct {
	Username string
	Password string
}

// Authenticator builds the scheme-specific payloads of the security
// handshake. Implementations are pure: they never touch the transport.
type Authenticator interface {
	// SecurityType returns the scheme identifier written to the device.
	SecurityType() uint8
	// Select returns the bytes written immediately after the scheme is chosen.
	Select(channel uint8) ([]byte, error)
	// Respond answers a 16-byte challenge. The challenge is not retained.
	Respond(challenge []byte) ([]byte, error)
	String() string
}

// NoneAuth implements the "none" scheme (security type 1).
type NoneAuth struct{}

// SecurityType returns 1.
func (a *NoneAuth) SecurityType() uint8 { return SecurityNone }

// Select returns the scheme byte and channel path.
func (a *NoneAuth) Select(channel uint8) ([]byte, error) {
	return SecuritySelectPacket{Type: SecurityNone, Channel: channel}.Encode(), nil
}

// Respond always fails; the none scheme has no challenge.
func (a *NoneAuth) Respond(challenge []byte) ([]byte, error) {
	return nil, protocolError("NoneAuth.Respond", "device sent a challenge for the none scheme", nil)
}

func (a *NoneAuth) String() string { return "None" }

// VNCAuth implements the VNC-style DES challenge response (security type 2).
type VNCAuth struct {
	Username string
	Password string
	logger   Logger
}

// NewVNCAuth creates a DES authenticator for the given credentials.
func NewVNCAuth(creds Credentials) *VNCAuth {
	return &VNCAuth{Username: creds.Username, Password: creds.Password}
}

// SecurityType returns 2.
func (a *VNCAuth) SecurityType() uint8 { return SecurityVNC }

// Select returns the scheme byte and channel path.
func (a *VNCAuth) Select(channel uint8) ([]byte, error) {
	return SecuritySelectPacket{Type: SecurityVNC, Channel: channel}.Encode(), nil
}

// Respond encrypts the challenge and packages it with the username.
func (a *VNCAuth) Respond(challenge []byte) ([]byte, error) {
	return desResponse(a.Username, a.Password, challenge, a.logger)
}

func (a *VNCAuth) String() string { return "VNC" }

// SetLogger sets the logger for the authentication method.
func (a *VNCAuth) SetLogger(logger Logger) { a.logger = logger }

// CentralizedAuth implements the centralized-account scheme (security type
// 20). The account block replaces the first round trip; the device then
// either accepts outright or issues a DES challenge answered with the same
// credentials.
type CentralizedAuth struct {
	Username string
	Password string
	logger   Logger
}

// NewCentralizedAuth creates a centralized authenticator.
func NewCentralizedAuth(creds Credentials) *CentralizedAuth {
	return &CentralizedAuth{Username: creds.Username, Password: creds.Password}
}

// SecurityType returns 20.
func (a *CentralizedAuth) SecurityType() uint8 { return SecurityCentralized }

// Select returns the scheme byte, the 17-byte account block and the channel path.
func (a *CentralizedAuth) Select(channel uint8) ([]byte, error) {
	account, err := AccountPacket(a.Username)
	if err != nil {
		return nil, err
	}
	return SecuritySelectPacket{Type: SecurityCentralized, Account: account, Channel: channel}.Encode(), nil
}

// Respond answers the DES challenge issued after a subtype-2 reply.
func (a *CentralizedAuth) Respond(challenge []byte) ([]byte, error) {
	return desResponse(a.Username, a.Password, challenge, a.logger)
}

func (a *CentralizedAuth) String() string { return "Centralized" }

// SetLogger sets the logger for the authentication method.
func (a *CentralizedAuth) SetLogger(logger Logger) { a.logger = logger }

// AccountPacket builds the 17-byte centralized account block: a marker byte
// followed by the username zero padded to 16 bytes.
func AccountPacket(username string) ([]byte, error) {
	if err := newInputValidator().ValidateAccountUsername(username); err != nil {
		return nil, err
	}
	out := make([]byte, AccountPacketSize)
	out[0] = accountMarker
	copy(out[1:], username)
	return out, nil
}

func desResponse(username, password string, challenge []byte, logger Logger) ([]byte, error) {
	if err := newInputValidator().ValidateUsername(username); err != nil {
		return nil, err
	}
	if logger != nil && len(password) > MaxPasswordLength {
		logger.Warn("Password exceeds DES key length, only the first 8 bytes are used",
			Field{Key: "password_length", Value: len(password)})
	}

	enc, err := EncryptVNCChallenge(password, challenge)
	if err != nil {
		return nil, err
	}
	defer (&SecureMemory{}).ClearBytes(enc)

	pkt := AuthResponsePacket{Username: username}
	copy(pkt.Encrypted[:], enc)
	return pkt.Encode(), nil
}

// AuthFactory creates an authenticator bound to the given credentials.
type AuthFactory func(creds Credentials) Authenticator

// AuthRegistry manages the schemes the client is willing to use.
type AuthRegistry struct {
	factories map[uint8]AuthFactory
	mu        sync.RWMutex
	logger    Logger
}

// NewAuthRegistry creates a registry with the none, VNC and centralized schemes.
func NewAuthRegistry() *AuthRegistry {
	registry := &AuthRegistry{
		factories: make(map[uint8]AuthFactory),
		logger:    &NoOpLogger{},
	}

	registry.Register(SecurityNone, func(Credentials) Authenticator {
		return &NoneAuth{}
	})
	registry.Register(SecurityVNC, func(c Credentials) Authenticator {
		return NewVNCAuth(c)
	})
	registry.Register(SecurityCentralized, func(c Credentials) Authenticator {
		return NewCentralizedAuth(c)
	})

	return registry
}

// Register adds an authentication method factory to the registry.
func (r *AuthRegistry) Register(securityType uint8, factory AuthFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("Registering authentication method",
		Field{Key: "security_type", Value: securityType})

	r.factories[securityType] = factory
}

// Unregister removes an authentication method from the registry.
func (r *AuthRegistry) Unregister(securityType uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[securityType]; !exists {
		return false
	}
	delete(r.factories, securityType)
	r.logger.Debug("Unregistered authentication method",
		Field{Key: "security_type", Value: securityType})
	return true
}

// CreateAuth creates an authenticator for the given security type.
func (r *AuthRegistry) CreateAuth(securityType uint8, creds Credentials) (Authenticator, error) {
	r.mu.RLock()
	factory, exists := r.factories[securityType]
	logger := r.logger
	r.mu.RUnlock()

	if !exists {
		logger.Warn("Unsupported authentication method requested",
			Field{Key: "security_type", Value: securityType})
		return nil, unsupportedError("AuthRegistry.CreateAuth",
			fmt.Sprintf("unsupported security type: %d", securityType), nil)
	}

	auth := factory(creds)
	if la, ok := auth.(interface{ SetLogger(Logger) }); ok {
		la.SetLogger(logger)
	}
	return auth, nil
}

// GetSupportedTypes returns the registered security types in ascending order.
func (r *AuthRegistry) GetSupportedTypes() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]uint8, 0, len(r.factories))
	for securityType := range r.factories {
		types = append(types, securityType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// IsSupported checks if a security type is registered.
func (r *AuthRegistry) IsSupported(securityType uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[securityType]
	return exists
}

// SetLogger sets the logger for the registry and the authenticators it creates.
func (r *AuthRegistry) SetLogger(logger Logger) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger = logger
}

// NegotiateAuth picks the first scheme in preferredOrder that the device
// offers and the registry supports. A nil preferredOrder means
// DefaultAuthPreference. No acceptable scheme yields an ErrUnsupported error.
func (r *AuthRegistry) NegotiateAuth(serverTypes []uint8, preferredOrder []uint8, creds Credentials) (Authenticator, uint8, error) {
	if preferredOrder == nil {
		preferredOrder = DefaultAuthPreference
	}

	r.mu.RLock()
	logger := r.logger
	r.mu.RUnlock()

	logger.Debug("Starting authentication negotiation",
		Field{Key: "server_types", Value: serverTypes},
		Field{Key: "preferred_order", Value: preferredOrder})

	for _, preferredType := range preferredOrder {
		for _, serverType := range serverTypes {
			if preferredType != serverType || !r.IsSupported(preferredType) {
				continue
			}
			auth, err := r.CreateAuth(preferredType, creds)
			if err != nil {
				logger.Error("Failed to create authentication method during negotiation",
					Field{Key: "security_type", Value: preferredType},
					Field{Key: "error", Value: err})
				continue
			}
			logger.Info("Authentication method negotiated",
				Field{Key: "security_type", Value: preferredType},
				Field{Key: "method", Value: auth.String()})
			return auth, preferredType, nil
		}
	}

	supportedTypes := r.GetSupportedTypes()
	logger.Error("No mutual authentication method found",
		Field{Key: "server_types", Value: serverTypes},
		Field{Key: "client_types", Value: supportedTypes})

	return nil, 0, unsupportedError("AuthRegistry.NegotiateAuth",
		fmt.Sprintf("no mutual authentication method found. server: %v, client: %v", serverTypes, supportedTypes), nil)
}

// ValidateAuthMethod checks an authenticator is usable before a connect.
func (r *AuthRegistry) ValidateAuthMethod(auth Authenticator) error {
	if auth == nil {
		return validationError("AuthRegistry.ValidateAuthMethod", "authentication method is nil", nil)
	}

	if auth.SecurityType() == 0 {
		return validationError("AuthRegistry.ValidateAuthMethod", "invalid security type 0", nil)
	}

	iv := newInputValidator()
	switch a := auth.(type) {
	case *VNCAuth:
		if err := iv.ValidateUsername(a.Username); err != nil {
			return err
		}
		if a.Password == "" {
			r.logger.Warn("VNC authentication method has empty password")
		}
	case *CentralizedAuth:
		if a.Username == "" {
			return validationError("AuthRegistry.ValidateAuthMethod", "centralized authentication requires a username", nil)
		}
		if err := iv.ValidateAccountUsername(a.Username); err != nil {
			return err
		}
	case *NoneAuth:
		// No validation required.
	default:
		r.logger.Debug("Custom authentication method, skipping validation",
			Field{Key: "method", Value: auth.String()})
	}

	return nil
}
