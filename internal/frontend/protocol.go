// Package frontend implements FrontendSession (spec.md §3, §4.7): the
// per-client state machine driving the Parse/Execute/Sync cycle over
// MessageCodec, QueryCache, ConnectionPool, and SessionState.
//
// This file holds the payload encodings layered on top of the generic
// framing internal/wire provides. MessageCodec only knows about
// {kind, length, payload}; everything inside payload is this package's
// concern, matching the split spec.md §4.1 vs §4.7 draws between the
// codec and the session.
package frontend

import (
	"encoding/binary"
	"fmt"
)

type byteWriter struct{ buf []byte }

func (w *byteWriter) WriteU8(v uint8)   { w.buf = append(w.buf, v) }
func (w *byteWriter) WriteU16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *byteWriter) WriteU32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) WriteU64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *byteWriter) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *byteWriter) WriteString(s string) { w.WriteBytes([]byte(s)) }

func (w *byteWriter) WriteMap(m map[string]string) {
	w.WriteU32(uint32(len(m)))
	for k, v := range m {
		w.WriteString(k)
		w.WriteString(v)
	}
}

func (w *byteWriter) Bytes() []byte { return w.buf }

type byteReader struct {
	buf []byte
	off int
}

func newByteReader(b []byte) *byteReader { return &byteReader{buf: b} }

func (r *byteReader) need(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("truncated payload: need %d bytes at offset %d, have %d", n, r.off, len(r.buf))
	}
	return nil
}

func (r *byteReader) ReadU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) ReadU16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *byteReader) ReadU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) ReadU64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

func (r *byteReader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) ReadMap() (map[string]string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (r *byteReader) remaining() []byte { return r.buf[r.off:] }

// ClientHandshake is the first message a client sends.
type ClientHandshake struct {
	Major  uint16
	Minor  uint16
	Params map[string]string
}

func decodeClientHandshake(payload []byte) (*ClientHandshake, error) {
	r := newByteReader(payload)
	major, err := r.ReadU16()
	if err != nil {
		return nil, err
	}
	minor, err := r.ReadU16()
	if err != nil {
		return nil, err
	}
	params, err := r.ReadMap()
	if err != nil {
		return nil, err
	}
	// list<AuthExt> follows; this core negotiates no extensions, so only
	// the count is read and any entries are skipped as opaque strings.
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.ReadString(); err != nil {
			return nil, err
		}
	}
	return &ClientHandshake{Major: major, Minor: minor, Params: params}, nil
}

func encodeServerHandshake(major, minor uint16) []byte {
	w := &byteWriter{}
	w.WriteU16(major)
	w.WriteU16(minor)
	w.WriteU32(0) // list<Extension>, always empty in this core
	return w.Bytes()
}

// Authentication method codes, this core's own numbering (spec.md
// leaves exact values implementation-defined, same liberty taken for
// wire tag assignment in internal/wire).
const (
	AuthMethodTrust         uint32 = 0
	AuthMethodCleartext     uint32 = 3
)

func encodeAuthenticationRequired(method uint32, challenge []byte) []byte {
	w := &byteWriter{}
	w.WriteU32(method)
	w.WriteBytes(challenge)
	return w.Bytes()
}

func decodeAuthenticationResponse(payload []byte) ([]byte, error) {
	r := newByteReader(payload)
	return r.ReadBytes()
}

func encodeParameterStatus(name string, value []byte) []byte {
	w := &byteWriter{}
	w.WriteString(name)
	w.WriteBytes(value)
	return w.Bytes()
}

// queryRequest is the shared shape of Parse and Execute payloads.
type queryRequest struct {
	Annotations         map[string]string
	AllowedCapabilities uint64
	CompilationFlags    uint64
	ImplicitLimit       uint64
	InputLanguage       uint8
	OutputFormat        uint8
	ExpectedCardinality uint8
	CommandText         string
	StateTypeID         uint64
	StateData           []byte

	// Execute-only.
	InputTypeID  [16]byte
	OutputTypeID [16]byte
	Arguments    map[string]string
}

func decodeQueryRequest(payload []byte, isExecute bool) (*queryRequest, error) {
	r := newByteReader(payload)
	qr := &queryRequest{}

	var err error
	if qr.Annotations, err = r.ReadMap(); err != nil {
		return nil, err
	}
	if qr.AllowedCapabilities, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if qr.CompilationFlags, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if qr.ImplicitLimit, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if qr.InputLanguage, err = r.ReadU8(); err != nil {
		return nil, err
	}
	if qr.OutputFormat, err = r.ReadU8(); err != nil {
		return nil, err
	}
	if qr.ExpectedCardinality, err = r.ReadU8(); err != nil {
		return nil, err
	}
	if qr.CommandText, err = r.ReadString(); err != nil {
		return nil, err
	}
	if qr.StateTypeID, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if qr.StateData, err = r.ReadBytes(); err != nil {
		return nil, err
	}

	if !isExecute {
		return qr, nil
	}

	idBuf, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	copy(qr.InputTypeID[:], idBuf)
	odBuf, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	copy(qr.OutputTypeID[:], odBuf)

	if qr.Arguments, err = r.ReadMap(); err != nil {
		return nil, err
	}
	return qr, nil
}

func encodeCommandDataDescription(caps uint64, cardinality uint8, inputID, outputID [16]byte, inputDesc, outputDesc []byte) []byte {
	w := &byteWriter{}
	w.WriteU64(caps)
	w.WriteU8(cardinality)
	w.buf = append(w.buf, inputID[:]...)
	w.WriteBytes(inputDesc)
	w.buf = append(w.buf, outputID[:]...)
	w.WriteBytes(outputDesc)
	return w.Bytes()
}

func encodeData(rows [][]byte) []byte {
	w := &byteWriter{}
	w.WriteU32(uint32(len(rows)))
	for _, row := range rows {
		w.WriteBytes(row)
	}
	return w.Bytes()
}

func encodeCommandComplete(caps uint64, status string, stateTypeID uint64, stateData []byte) []byte {
	w := &byteWriter{}
	w.WriteU64(caps)
	w.WriteString(status)
	w.WriteU64(stateTypeID)
	w.WriteBytes(stateData)
	return w.Bytes()
}

func encodeStateDataDescription(stateTypeID uint64, stateTypeDesc []byte) []byte {
	w := &byteWriter{}
	w.WriteU64(stateTypeID)
	w.WriteBytes(stateTypeDesc)
	return w.Bytes()
}

func encodeReadyForCommand(txState byte) []byte { return []byte{txState} }

func encodeErrorResponse(severity uint8, code uint32, message string, attrs map[string]string) []byte {
	w := &byteWriter{}
	w.WriteU8(severity)
	w.WriteU32(code)
	w.WriteString(message)
	w.WriteMap(attrs)
	return w.Bytes()
}

const (
	SeverityError uint8 = 120
	SeverityFatal uint8 = 200
)
