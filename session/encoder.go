package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"slices"
	"time"
)

// Blob layout (all integers big endian):
//
//	[0]     format version
//	[1:9]   record version (read by the CAS script)
//	[9]     status
//	[10:42] created, last activity, expires, ended (unix millis, 0 = unset)
//	...     u16-prefixed strings: session id, user id, ip, user agent, fingerprint
//	...     u16 metadata count, then u16-prefixed key/value pairs sorted by key
const (
	recordFormatVersion = 1
	versionOffset       = 1
)

var errFieldTooLong = errors.New("session field too long")

// ErrCorrupt is returned when a stored blob cannot be decoded.
var ErrCorrupt = errors.New("session record corrupt")

// Encode serializes r into the compact binary blob kept in the store.
func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(96 + len(r.UserAgent) + len(r.SessionID) + len(r.UserID))

	buf.WriteByte(recordFormatVersion)
	_ = binary.Write(&buf, binary.BigEndian, r.Version)
	buf.WriteByte(byte(r.Status))

	for _, ts := range []time.Time{r.CreatedAt, r.LastActivityAt, r.ExpiresAt, r.EndedAt} {
		_ = binary.Write(&buf, binary.BigEndian, unixMilli(ts))
	}

	for _, s := range []string{r.SessionID, r.UserID, r.IPAddress, r.UserAgent, r.DeviceFingerprint} {
		if err := writeString(&buf, s); err != nil {
			return nil, err
		}
	}

	if len(r.Metadata) > math.MaxUint16 {
		return nil, errFieldTooLong
	}
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(r.Metadata)))
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := writeString(&buf, k); err != nil {
			return nil, err
		}
		if err := writeString(&buf, r.Metadata[k]); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode parses a blob produced by Encode.
func Decode(data []byte) (*Record, error) {
	r, err := decode(data)
	if err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	return r, nil
}

func decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	format, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if format != recordFormatVersion {
		return nil, errors.New("unsupported record format")
	}

	r := &Record{}
	if err := binary.Read(reader, binary.BigEndian, &r.Version); err != nil {
		return nil, err
	}
	status, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if r.Status < StatusActive || r.Status > StatusLocked {
		return nil, errors.New("unknown status byte")
	}

	for _, dst := range []*time.Time{&r.CreatedAt, &r.LastActivityAt, &r.ExpiresAt, &r.EndedAt} {
		var ms int64
		if err := binary.Read(reader, binary.BigEndian, &ms); err != nil {
			return nil, err
		}
		if ms != 0 {
			*dst = time.UnixMilli(ms)
		}
	}

	for _, dst := range []*string{&r.SessionID, &r.UserID, &r.IPAddress, &r.UserAgent, &r.DeviceFingerprint} {
		if *dst, err = readString(reader); err != nil {
			return nil, err
		}
	}

	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > 0 {
		r.Metadata = make(map[string]string, n)
		for i := 0; i < int(n); i++ {
			k, err := readString(reader)
			if err != nil {
				return nil, err
			}
			v, err := readString(reader)
			if err != nil {
				return nil, err
			}
			r.Metadata[k] = v
		}
	}

	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes")
	}
	return r, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return errFieldTooLong
	}
	_ = binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(reader, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
