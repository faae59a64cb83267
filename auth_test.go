// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
)

// TestAuthRegistry_New tests the default schemes of a new registry.
func TestAuthRegistry_New(t *testing.T) {
	registry := NewAuthRegistry()

	for _, st := range []uint8{SecurityNone, SecurityVNC, SecurityCentralized} {
		if !registry.IsSupported(st) {
			t.Errorf("security type %d should be supported by default", st)
		}
	}

	for _, st := range []uint8{SecurityUKey, SecurityRSA, SecurityRemote} {
		if registry.IsSupported(st) {
			t.Errorf("security type %d should not be supported", st)
		}
	}

	got := registry.GetSupportedTypes()
	want := []uint8{1, 2, 20}
	if !bytes.Equal(got, want) {
		t.Errorf("GetSupportedTypes() = %v, want %v", got, want)
	}
}

// TestAuthRegistry_RegisterUnregister tests custom scheme registration.
func TestAuthRegistry_RegisterUnregister(t *testing.T) {
	registry := NewAuthRegistry()

	customSecurityType := uint8(16)
	registry.Register(customSecurityType, func(Credentials) Authenticator {
		return &NoneAuth{}
	})

	if !registry.IsSupported(customSecurityType) {
		t.Error("custom scheme should be supported after registration")
	}

	auth, err := registry.CreateAuth(customSecurityType, Credentials{})
	if err != nil {
		t.Fatalf("CreateAuth() error = %v", err)
	}
	if auth.SecurityType() != SecurityNone {
		t.Errorf("SecurityType() = %d, want 1", auth.SecurityType())
	}

	if !registry.Unregister(customSecurityType) {
		t.Error("Unregister should return true when removing an existing scheme")
	}
	if registry.IsSupported(customSecurityType) {
		t.Error("custom scheme should not be supported after unregistration")
	}
	if registry.Unregister(99) {
		t.Error("Unregister should return false for an unknown scheme")
	}
}

// TestAuthRegistry_CreateAuth tests authenticator construction.
func TestAuthRegistry_CreateAuth(t *testing.T) {
	registry := NewAuthRegistry()
	creds := Credentials{Username: "admin", Password: "secret12"}

	tests := []struct {
		securityType uint8
		name         string
	}{
		{SecurityNone, "None"},
		{SecurityVNC, "VNC"},
		{SecurityCentralized, "Centralized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := registry.CreateAuth(tt.securityType, creds)
			if err != nil {
				t.Fatalf("CreateAuth() error = %v", err)
			}
			if auth.SecurityType() != tt.securityType {
				t.Errorf("SecurityType() = %d, want %d", auth.SecurityType(), tt.securityType)
			}
			if auth.String() != tt.name {
				t.Errorf("String() = %q, want %q", auth.String(), tt.name)
			}
		})
	}

	_, err := registry.CreateAuth(99, creds)
	if !IsKVMError(err, ErrUnsupported) {
		t.Errorf("CreateAuth(99) error = %v, want unsupported", err)
	}
}

// TestAuthRegistry_NegotiateAuth tests scheme selection against device offers.
func TestAuthRegistry_NegotiateAuth(t *testing.T) {
	registry := NewAuthRegistry()

	tests := []struct {
		name      string
		offered   []uint8
		preferred []uint8
		want      uint8
		wantErr   bool
	}{
		{"vnc preferred over everything", []uint8{1, 20, 2}, nil, SecurityVNC, false},
		{"centralized over none", []uint8{1, 20}, nil, SecurityCentralized, false},
		{"none alone", []uint8{1}, nil, SecurityNone, false},
		{"vnc among unsupported", []uint8{9, 10, 2}, nil, SecurityVNC, false},
		{"rsa only", []uint8{9}, nil, 0, true},
		{"remote only", []uint8{10}, nil, 0, true},
		{"ukey only", []uint8{8}, nil, 0, true},
		{"unknown only", []uint8{42, 77}, nil, 0, true},
		{"empty offer", []uint8{}, nil, 0, true},
		{"custom order", []uint8{1, 2, 20}, []uint8{20, 2}, SecurityCentralized, false},
		{"custom order excludes offer", []uint8{1}, []uint8{2}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, got, err := registry.NegotiateAuth(tt.offered, tt.preferred, Credentials{Username: "u"})
			if tt.wantErr {
				if !IsKVMError(err, ErrUnsupported) {
					t.Fatalf("error = %v, want unsupported", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NegotiateAuth() error = %v", err)
			}
			if got != tt.want || auth.SecurityType() != tt.want {
				t.Errorf("NegotiateAuth() = %d (%v), want %d", got, auth, tt.want)
			}
		})
	}
}

// TestAuthRegistry_ValidateAuthMethod tests pre-connect authenticator checks.
func TestAuthRegistry_ValidateAuthMethod(t *testing.T) {
	registry := NewAuthRegistry()

	tests := []struct {
		name    string
		auth    Authenticator
		wantErr bool
	}{
		{"nil", nil, true},
		{"none", &NoneAuth{}, false},
		{"vnc", NewVNCAuth(Credentials{Username: "admin", Password: "pw"}), false},
		{"vnc empty password", NewVNCAuth(Credentials{Username: "admin"}), false},
		{"vnc long username", NewVNCAuth(Credentials{Username: "a-very-long-username"}), false},
		{"vnc non ascii", NewVNCAuth(Credentials{Username: "héllo"}), true},
		{"centralized long username", NewCentralizedAuth(Credentials{Username: "a-very-long-username"}), true},
		{"centralized", NewCentralizedAuth(Credentials{Username: "ops"}), false},
		{"centralized no username", NewCentralizedAuth(Credentials{}), true},
		{"centralized non ascii", NewCentralizedAuth(Credentials{Username: "héllo"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.ValidateAuthMethod(tt.auth)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAuthMethod() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestAuthRegistry_ConcurrentAccess tests concurrent registration and creation.
func TestAuthRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewAuthRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			securityType := uint8(30 + id) // #nosec G115 - Test code with bounded values
			registry.Register(securityType, func(Credentials) Authenticator {
				return &NoneAuth{}
			})
			if _, err := registry.CreateAuth(securityType, Credentials{}); err != nil {
				t.Errorf("CreateAuth(%d) error = %v", securityType, err)
			}
			_, _, _ = registry.NegotiateAuth([]uint8{securityType, SecurityVNC}, nil, Credentials{})
			registry.Unregister(securityType)
		}(i)
	}

	wg.Wait()

	if len(registry.GetSupportedTypes()) != 3 {
		t.Errorf("GetSupportedTypes() = %v after cleanup", registry.GetSupportedTypes())
	}
}

func TestAuth_SelectPayloads(t *testing.T) {
	creds := Credentials{Username: "ops", Password: "pw"}

	none, _ := (&NoneAuth{}).Select(2)
	if !bytes.Equal(none, []byte{1, 1, 2}) {
		t.Errorf("none Select() = %v", none)
	}

	vnc, _ := NewVNCAuth(creds).Select(0)
	if !bytes.Equal(vnc, []byte{2, 1, 0}) {
		t.Errorf("vnc Select() = %v", vnc)
	}

	central, err := NewCentralizedAuth(creds).Select(1)
	if err != nil {
		t.Fatalf("centralized Select() error = %v", err)
	}
	want := append([]byte{20, 16, 'o', 'p', 's'}, make([]byte, 13)...)
	want = append(want, 1, 1)
	if !bytes.Equal(central, want) {
		t.Errorf("centralized Select() = %v, want %v", central, want)
	}
}

func TestAuth_AccountPacket(t *testing.T) {
	pkt, err := AccountPacket("sixteen-chars-ok")
	if err != nil {
		t.Fatalf("AccountPacket() error = %v", err)
	}
	if len(pkt) != AccountPacketSize || pkt[0] != 16 || string(pkt[1:]) != "sixteen-chars-ok" {
		t.Errorf("AccountPacket() = %q", pkt)
	}

	_, err = AccountPacket("seventeen-chars-x")
	var kerr *KVMError
	if !errors.As(err, &kerr) || kerr.Code != ErrValidation || kerr.Op != "InputValidator.ValidateAccountUsername" {
		t.Errorf("long username error = %v, want the validator's error", err)
	}
}

func TestAuth_Respond(t *testing.T) {
	challenge := sequentialChallenge()
	creds := Credentials{Username: "admin", Password: "secret12"}

	for _, auth := range []Authenticator{NewVNCAuth(creds), NewCentralizedAuth(creds)} {
		t.Run(auth.String(), func(t *testing.T) {
			wire, err := auth.Respond(challenge)
			if err != nil {
				t.Fatalf("Respond() error = %v", err)
			}
			if !bytes.Equal(wire[:4], []byte{22, 0, 0, 0}) {
				t.Errorf("length prefix = %v", wire[:4])
			}
			if string(wire[4:9]) != "admin" || wire[9] != 0xAA {
				t.Errorf("username block = %q", wire[4:10])
			}
			if got := hex.EncodeToString(wire[10:]); got != "adcd997f8e16fee575e973f93c2b62b4" {
				t.Errorf("encrypted block = %s", got)
			}
		})
	}

	if _, err := (&NoneAuth{}).Respond(challenge); !IsKVMError(err, ErrProtocol) {
		t.Errorf("none Respond() error = %v, want protocol", err)
	}
	if _, err := NewVNCAuth(creds).Respond(challenge[:4]); !IsKVMError(err, ErrValidation) {
		t.Errorf("short challenge error = %v, want validation", err)
	}
}

func TestAuth_RespondLongUsername(t *testing.T) {
	username := "operator.longname.01"
	wire, err := NewVNCAuth(Credentials{Username: username, Password: "secret12"}).Respond(sequentialChallenge())
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	body := len(username) + 1 + ChallengeSize
	if got := binary.LittleEndian.Uint32(wire[:4]); got != uint32(body) {
		t.Errorf("length prefix = %d, want %d", got, body)
	}
	if len(wire) != 4+body || string(wire[4:4+len(username)]) != username || wire[4+len(username)] != 0xAA {
		t.Errorf("username block = %q", wire[4:])
	}
	if got := hex.EncodeToString(wire[5+len(username):]); got != "adcd997f8e16fee575e973f93c2b62b4" {
		t.Errorf("encrypted block = %s", got)
	}
}

func TestAuth_RespondRejectsNonASCIIUsername(t *testing.T) {
	_, err := NewVNCAuth(Credentials{Username: "usér"}).Respond(sequentialChallenge())

	var kerr *KVMError
	if !errors.As(err, &kerr) || kerr.Op != "InputValidator.ValidateUsername" {
		t.Fatalf("Respond() error = %v, want the validator's error", err)
	}
	if errors.Unwrap(err) != nil {
		t.Errorf("validator error was wrapped: %v", err)
	}
}
