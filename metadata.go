package dlpfs

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// general-info keys
const (
	keyVersion        = "dlp-version"
	keyOfflineAccess  = "offline-access"
	keyExtraInfo      = "extra-info"
	keyContactAccount = "contact-account"
	keyFileType       = "file-type"
	keyHMACValue      = "hmac-value"
)

// generalInfo is the metadata carried in an archive's general-info entry
type generalInfo struct {
	Version        uint32
	OfflineAccess  bool
	ExtraInfo      []string
	ContactAccount string
	FileType       string
	HMAC           []byte
}

// metadataObject wraps decoded JSON with accessors that fail closed on a
// missing required key or any unexpected type
type metadataObject map[string]any

func parseGeneralInfo(data []byte) (*generalInfo, error) {
	var obj metadataObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, newFormatError(ErrFormatInvalid, EntryGeneralInfo, fmt.Sprintf("invalid JSON: %v", err))
	}
	if obj == nil {
		return nil, newFormatError(ErrFormatInvalid, EntryGeneralInfo, "not a JSON object")
	}

	version, err := obj.getUint32(keyVersion)
	if err != nil {
		return nil, err
	}
	if version > CurrentVersion {
		return nil, newFormatError(ErrFormatInvalid, keyVersion, fmt.Sprintf("unsupported version %d", version))
	}
	offline, err := obj.getBool(keyOfflineAccess)
	if err != nil {
		return nil, err
	}
	extra, err := obj.getStrings(keyExtraInfo)
	if err != nil {
		return nil, err
	}
	contact, err := obj.getString(keyContactAccount)
	if err != nil {
		return nil, err
	}
	if len(contact) == 0 || len(contact) > MaxCertSize {
		return nil, newFormatError(ErrFormatInvalid, keyContactAccount, "size out of range")
	}

	info := &generalInfo{
		Version:        version,
		OfflineAccess:  offline,
		ExtraInfo:      extra,
		ContactAccount: contact,
	}

	if obj.has(keyFileType) {
		if info.FileType, err = obj.getString(keyFileType); err != nil {
			return nil, err
		}
	}
	if obj.has(keyHMACValue) {
		encoded, err := obj.getString(keyHMACValue)
		if err != nil {
			return nil, err
		}
		if info.HMAC, err = hex.DecodeString(encoded); err != nil {
			return nil, newFormatError(ErrFormatInvalid, keyHMACValue, "not hex encoded")
		}
		if len(info.HMAC) > MaxCertSize {
			return nil, newFormatError(ErrFormatInvalid, keyHMACValue, "size out of range")
		}
	}
	return info, nil
}

func (g *generalInfo) marshal() ([]byte, error) {
	obj := map[string]any{
		keyVersion:        g.Version,
		keyOfflineAccess:  g.OfflineAccess,
		keyExtraInfo:      nonNilStrings(g.ExtraInfo),
		keyContactAccount: g.ContactAccount,
	}
	if g.FileType != "" {
		obj[keyFileType] = g.FileType
	}
	if len(g.HMAC) > 0 {
		obj[keyHMACValue] = hex.EncodeToString(g.HMAC)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", EntryGeneralInfo, err)
	}
	return data, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (m metadataObject) has(key string) bool {
	_, ok := m[key]
	return ok
}

func (m metadataObject) lookup(key string) (any, error) {
	v, ok := m[key]
	if !ok {
		return nil, newFormatError(ErrFormatInvalid, key, "required key missing")
	}
	return v, nil
}

func (m metadataObject) getString(key string) (string, error) {
	v, err := m.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", newFormatError(ErrFormatInvalid, key, fmt.Sprintf("expected string, got %T", v))
	}
	return s, nil
}

func (m metadataObject) getBool(key string) (bool, error) {
	v, err := m.lookup(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, newFormatError(ErrFormatInvalid, key, fmt.Sprintf("expected bool, got %T", v))
	}
	return b, nil
}

func (m metadataObject) getUint32(key string) (uint32, error) {
	v, err := m.lookup(key)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok || f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, newFormatError(ErrFormatInvalid, key, fmt.Sprintf("expected unsigned integer, got %v", v))
	}
	return uint32(f), nil
}

func (m metadataObject) getStrings(key string) ([]string, error) {
	v, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, newFormatError(ErrFormatInvalid, key, fmt.Sprintf("expected array, got %T", v))
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, newFormatError(ErrFormatInvalid, key, fmt.Sprintf("element %d is %T, expected string", i, item))
		}
		out = append(out, s)
	}
	return out, nil
}
