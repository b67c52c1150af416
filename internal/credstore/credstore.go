// Package credstore implements the LwM2M credential store described in
// spec §4.1: a typed key/value store over an INI-like text file holding
// the bootstrap credentials, the per-server DM credentials, and the device
// endpoint name. It is the component the DTLS Connection Manager's PSK
// lookup callback (internal/transport) reads from, and the component the
// Session Manager writes to on registration failure.
//
// The on-disk format is fixed by the protocol, not a matter of taste, so
// unlike internal/appconfig this does not use a YAML or generic INI
// library — it hand-rolls a line-preserving parser the way bin/main.go and
// Protei_Monitoring/bin/pkg/oam/config_manager.go do for their own
// configuration files, because spec §4.1 requires byte-identical
// preservation of untouched comments and section ordering across writes,
// an invariant a generic marshal/unmarshal round-trip cannot guarantee.
package credstore

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	sectionGeneral   = "GENERAL"
	sectionBootstrap = "BOOTSTRAP SECURITY"
	sectionLwM2M     = "LWM2M SECURITY"
	sectionPackage   = "PACKAGE KEYS"

	keyEndpoint = "ENDPOINT"
	keySerial   = "SN"

	keyServerURI = "SERVER_URI"
	keyDevicePK  = "DEVICE_PKID"
	keySecretKey = "SECRET_KEY"
	keyServerPK  = "SERVER_PKID" // extension: unused in PSK-only mode
)

// GeneralConfig is the device's endpoint identity (spec §3).
type GeneralConfig struct {
	Endpoint     string
	SerialNumber string
}

// Security is one bootstrap-or-DM server credential record (spec §3).
type Security struct {
	ServerURI    string
	PSKIdentity  []byte
	PSKSecretHex string
	IsBootstrap  bool
	ServerID     uint16
}

// CredentialID is the closed enumeration from spec §3.
type CredentialID int

const (
	BSPublicKey CredentialID = iota
	BSServerPublicKey
	BSSecretKey
	BSAddress
	DMPublicKey
	DMServerPublicKey
	DMSecretKey
	DMAddress
	FWKey
	SWKey
)

func (c CredentialID) String() string {
	switch c {
	case BSPublicKey:
		return "BS_PUBLIC_KEY"
	case BSServerPublicKey:
		return "BS_SERVER_PUBLIC_KEY"
	case BSSecretKey:
		return "BS_SECRET_KEY"
	case BSAddress:
		return "BS_ADDRESS"
	case DMPublicKey:
		return "DM_PUBLIC_KEY"
	case DMServerPublicKey:
		return "DM_SERVER_PUBLIC_KEY"
	case DMSecretKey:
		return "DM_SECRET_KEY"
	case DMAddress:
		return "DM_ADDRESS"
	case FWKey:
		return "FW_KEY"
	case SWKey:
		return "SW_KEY"
	default:
		return "UNKNOWN_CREDENTIAL"
	}
}

// Store is the process-wide credential store singleton described in
// spec §5 ("Shared resources"): readers borrow it immutably while no
// writer is active, which callers enforce with the embedded mutex since Go
// does not have the source's single-task cooperative guarantee for free.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  *document
}

// Open loads path (spec §6: path defaults to clientConfig.txt, max 2KiB).
func Open(path string) (*Store, error) {
	data, err := readExisting(path)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, doc: doc}, nil
}

func readExisting(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("credstore: read %s: %w", path, err)
	}
	return data, nil
}

// General returns the device identity (spec §3's GeneralConfig).
func (s *Store) General() GeneralConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoint, _ := s.doc.get(sectionGeneral, keyEndpoint)
	sn, _ := s.doc.get(sectionGeneral, keySerial)
	return GeneralConfig{Endpoint: endpoint, SerialNumber: sn}
}

// Bootstrap returns the unique bootstrap security record, if one is
// configured.
func (s *Store) Bootstrap() (Security, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bootstrapLocked()
}

func (s *Store) bootstrapLocked() (Security, bool) {
	uri, ok := s.doc.get(sectionBootstrap, keyServerURI)
	if !ok {
		return Security{}, false
	}
	identityHex, _ := s.doc.get(sectionBootstrap, keyDevicePK)
	secretHex, _ := s.doc.get(sectionBootstrap, keySecretKey)
	identity, _ := hex.DecodeString(identityHex)
	return Security{
		ServerURI:    uri,
		PSKIdentity:  identity,
		PSKSecretHex: secretHex,
		IsBootstrap:  true,
	}, true
}

// DMByID returns the unique non-bootstrap record with the given short
// server id (spec §8's "Credential selection" invariant).
func (s *Store) DMByID(serverID uint16) (Security, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	suffix := " " + strconv.Itoa(int(serverID))
	uri, ok := s.doc.get(sectionLwM2M, keyServerURI+suffix)
	if !ok {
		return Security{}, false
	}
	identityHex, _ := s.doc.get(sectionLwM2M, keyDevicePK+suffix)
	secretHex, _ := s.doc.get(sectionLwM2M, keySecretKey+suffix)
	identity, _ := hex.DecodeString(identityHex)
	return Security{
		ServerURI:    uri,
		PSKIdentity:  identity,
		PSKSecretHex: secretHex,
		IsBootstrap:  false,
		ServerID:     serverID,
	}, true
}

// AllDM returns every configured DM server record, ordered as they appear
// in the file.
func (s *Store) AllDM() []Security {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[uint16]bool{}
	var out []Security
	for _, kv := range s.doc.allKeys(sectionLwM2M) {
		if !strings.HasPrefix(kv.Key, keyServerURI+" ") {
			continue
		}
		idStr := strings.TrimPrefix(kv.Key, keyServerURI+" ")
		id, err := strconv.Atoi(idStr)
		if err != nil || id <= 0 || id > 0xFFFF {
			continue
		}
		sid := uint16(id)
		if seen[sid] {
			continue
		}
		seen[sid] = true
		if rec, ok := s.DMByID(sid); ok {
			out = append(out, rec)
		}
	}
	return out
}

// validateServerURI enforces spec §3's "serverUri parses as
// coap://host[:port] or coaps://host[:port]" invariant.
func validateServerURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("credstore: invalid server URI %q: %w", uri, err)
	}
	if u.Scheme != "coap" && u.Scheme != "coaps" {
		return fmt.Errorf("credstore: server URI %q must use coap:// or coaps://", uri)
	}
	if u.Host == "" {
		return fmt.Errorf("credstore: server URI %q missing host", uri)
	}
	return nil
}

// validatePSKSecretHex enforces spec §3's "pskSecretHex length is even".
func validatePSKSecretHex(value string) error {
	if len(value)%2 != 0 {
		return fmt.Errorf("credstore: PSK secret hex %q has odd length", value)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return fmt.Errorf("credstore: PSK secret is not valid hex: %w", err)
	}
	return nil
}

// resolve maps a (CredentialID, serverID) pair to the underlying
// (section, key) in the document, per the table in spec §4.1. serverId is
// ignored for BS_* variants, matching the spec's own wording.
func resolve(id CredentialID, serverID uint16) (section, key string, err error) {
	suffix := " " + strconv.Itoa(int(serverID))
	switch id {
	case BSPublicKey:
		return sectionBootstrap, keyDevicePK, nil
	case BSServerPublicKey:
		return sectionBootstrap, keyServerPK, nil
	case BSSecretKey:
		return sectionBootstrap, keySecretKey, nil
	case BSAddress:
		return sectionBootstrap, keyServerURI, nil
	case DMPublicKey:
		return sectionLwM2M, keyDevicePK + suffix, nil
	case DMServerPublicKey:
		return sectionLwM2M, keyServerPK + suffix, nil
	case DMSecretKey:
		return sectionLwM2M, keySecretKey + suffix, nil
	case DMAddress:
		return sectionLwM2M, keyServerURI + suffix, nil
	case FWKey:
		return sectionPackage, "FW_KEY", nil
	case SWKey:
		return sectionPackage, "SW_KEY", nil
	default:
		return "", "", fmt.Errorf("credstore: unknown credential id %v", id)
	}
}

// Get reads a raw credential value by id, or (nil, false) if unset.
func (s *Store) Get(id CredentialID, serverID uint16) ([]byte, bool, error) {
	section, key, err := resolve(id, serverID)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	value, ok := s.doc.get(section, key)
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if isPSKCredential(id) {
		decoded, derr := hex.DecodeString(value)
		if derr != nil {
			return nil, false, fmt.Errorf("credstore: stored value for %s is not valid hex: %w", id, derr)
		}
		return decoded, true, nil
	}
	return []byte(value), true, nil
}

// Check reports whether a credential is present and well-formed, without
// returning its value — used by callers like spec.md's end-to-end scenario
// 2 ("lwm2mcore_CheckCredential").
func (s *Store) Check(id CredentialID, serverID uint16) bool {
	_, ok, err := s.Get(id, serverID)
	return ok && err == nil
}

// Set writes a credential value by id. PSK-bearing ids are hex-encoded
// (uppercase, even length) before being written to disk, per spec §4.1's
// "Setting a PSK always stores hex (uppercase), even-length."
func (s *Store) Set(id CredentialID, serverID uint16, value []byte) error {
	section, key, err := resolve(id, serverID)
	if err != nil {
		return err
	}

	var stored string
	if isPSKCredential(id) {
		stored = strings.ToUpper(hex.EncodeToString(value))
		if err := validatePSKSecretHex(stored); err != nil {
			return err
		}
	} else {
		stored = string(value)
	}

	if id == BSAddress || id == DMAddress {
		if err := validateServerURI(stored); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.doc.writeOne(section, key, stored); err != nil {
		return err
	}
	return writeFile(s.path, s.doc)
}

// Delete removes a credential value by id. Deleting a value that is not
// present is not an error.
func (s *Store) Delete(id CredentialID, serverID uint16) error {
	section, key, err := resolve(id, serverID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.delete(section, key)
	return writeFile(s.path, s.doc)
}

// DeleteAllDM removes every credential for serverID (spec §4.5's "On
// registration failure" behaviour: force a bootstrap on next connect).
func (s *Store) DeleteAllDM(serverID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	suffix := " " + strconv.Itoa(int(serverID))
	for _, key := range []string{keyDevicePK + suffix, keyServerPK + suffix, keySecretKey + suffix, keyServerURI + suffix} {
		s.doc.delete(sectionLwM2M, key)
	}
	return writeFile(s.path, s.doc)
}

// SetGeneral writes the device identity fields.
func (s *Store) SetGeneral(cfg GeneralConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.doc.writeOne(sectionGeneral, keyEndpoint, cfg.Endpoint); err != nil {
		return err
	}
	if _, err := s.doc.writeOne(sectionGeneral, keySerial, cfg.SerialNumber); err != nil {
		return err
	}
	return writeFile(s.path, s.doc)
}

func isPSKCredential(id CredentialID) bool {
	switch id {
	case BSPublicKey, BSSecretKey, DMPublicKey, DMSecretKey:
		return true
	default:
		return false
	}
}
