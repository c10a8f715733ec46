// internal/core/codec.go
package core

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/klauspost/compress/zstd"
)

const (
	codecMagic   uint32 = 0x4C554D58 // "LUMX"
	codecVersion uint32 = 1

	maxNameLen = 1 << 16
	maxDims    = 8
	// maxElements bounds a single decoded tensor (1 GiB of float32)
	maxElements = 1 << 28
	mapHint     = 64
)

var ErrBadEncoding = errors.New("malformed tensor encoding")

// EncodeGroups - write named groups of named tensors as a zstd-compressed stream.
// Groups and tensors are written in sorted key order so output is deterministic.
func EncodeGroups(w io.Writer, groups map[string]map[string]*Tensor) error {
	return EncodeOrderedGroups(w, sortedKeys(groups), groups)
}

// EncodeOrderedGroups - like EncodeGroups with the groups written in order.
// order must name every group exactly once.
func EncodeOrderedGroups(w io.Writer, order []string, groups map[string]map[string]*Tensor) error {
	if len(order) != len(groups) {
		return fmt.Errorf("%w: order names %d of %d groups", ErrBadEncoding, len(order), len(groups))
	}
	seen := make(map[string]bool, len(order))
	for _, g := range order {
		if _, ok := groups[g]; !ok || seen[g] {
			return fmt.Errorf("%w: group %q missing or repeated in order", ErrBadEncoding, g)
		}
		seen[g] = true
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	bw := bufio.NewWriter(enc)

	if err := writeGroups(bw, order, groups); err != nil {
		enc.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// DecodeGroups - read a stream produced by EncodeGroups. Every tensor is placed on
// device; an empty device keeps the device recorded in the stream.
func DecodeGroups(r io.Reader, device Device) (map[string]map[string]*Tensor, error) {
	_, groups, err := DecodeOrderedGroups(r, device)
	return groups, err
}

// DecodeOrderedGroups - DecodeGroups plus the group names in stream order
func DecodeOrderedGroups(r io.Reader, device Device) ([]string, map[string]map[string]*Tensor, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	return readGroups(bufio.NewReader(dec), device)
}

// EncodeTensors - single anonymous group
func EncodeTensors(w io.Writer, tensors map[string]*Tensor) error {
	return EncodeGroups(w, map[string]map[string]*Tensor{"": tensors})
}

func DecodeTensors(r io.Reader, device Device) (map[string]*Tensor, error) {
	groups, err := DecodeGroups(r, device)
	if err != nil {
		return nil, err
	}
	tensors, ok := groups[""]
	if !ok || len(groups) != 1 {
		return nil, fmt.Errorf("%w: expected a single anonymous group", ErrBadEncoding)
	}
	return tensors, nil
}

func writeGroups(w io.Writer, order []string, groups map[string]map[string]*Tensor) error {
	if err := writeU32(w, codecMagic, codecVersion, uint32(len(groups))); err != nil {
		return err
	}
	for _, g := range order {
		tensors := groups[g]
		if err := writeString(w, g); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(tensors))); err != nil {
			return err
		}
		for _, name := range sortedKeys(tensors) {
			if err := writeTensor(w, name, tensors[name]); err != nil {
				return fmt.Errorf("encode %s/%s: %w", g, name, err)
			}
		}
	}
	return nil
}

func writeTensor(w io.Writer, name string, t *Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrBadEncoding)
	}
	if err := writeString(w, name); err != nil {
		return err
	}
	if err := writeString(w, string(t.device)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(t.Shape))); err != nil {
		return err
	}
	for _, d := range t.Shape {
		if err := writeU32(w, uint32(d)); err != nil {
			return err
		}
	}
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

func readGroups(r io.Reader, device Device) ([]string, map[string]map[string]*Tensor, error) {
	var header [3]uint32
	for i := range header {
		if err := binary.Read(r, binary.LittleEndian, &header[i]); err != nil {
			return nil, nil, fmt.Errorf("%w: header: %v", ErrBadEncoding, err)
		}
	}
	if header[0] != codecMagic {
		return nil, nil, fmt.Errorf("%w: bad magic %#x", ErrBadEncoding, header[0])
	}
	if header[1] != codecVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrBadEncoding, header[1])
	}

	var order []string
	groups := make(map[string]map[string]*Tensor, min(header[2], mapHint))
	for i := uint32(0); i < header[2]; i++ {
		g, err := readString(r)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := groups[g]; dup {
			return nil, nil, fmt.Errorf("%w: group %q repeated", ErrBadEncoding, g)
		}
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, nil, fmt.Errorf("%w: group %q: %v", ErrBadEncoding, g, err)
		}
		tensors := make(map[string]*Tensor, min(n, mapHint))
		for j := uint32(0); j < n; j++ {
			name, t, err := readTensor(r, device)
			if err != nil {
				return nil, nil, fmt.Errorf("group %q: %w", g, err)
			}
			tensors[name] = t
		}
		groups[g] = tensors
		order = append(order, g)
	}
	return order, groups, nil
}

func readTensor(r io.Reader, device Device) (string, *Tensor, error) {
	name, err := readString(r)
	if err != nil {
		return "", nil, err
	}
	stored, err := readString(r)
	if err != nil {
		return "", nil, err
	}
	var ndim uint32
	if err := binary.Read(r, binary.LittleEndian, &ndim); err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrBadEncoding, name, err)
	}
	if ndim > maxDims {
		return "", nil, fmt.Errorf("%w: %s has %d dims", ErrBadEncoding, name, ndim)
	}
	shape := make([]int, ndim)
	elements := 1
	for i := range shape {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return "", nil, fmt.Errorf("%w: %s: %v", ErrBadEncoding, name, err)
		}
		shape[i] = int(d)
		if d > 0 && elements > maxElements/int(d) {
			return "", nil, fmt.Errorf("%w: %s shape %v exceeds %d elements", ErrBadEncoding, name, shape[:i+1], maxElements)
		}
		elements *= int(d)
	}

	// the payload is read before anything is sized from the header
	want := int64(4 * elements)
	buf, err := io.ReadAll(io.LimitReader(r, want))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s data: %v", ErrBadEncoding, name, err)
	}
	if int64(len(buf)) != want {
		return "", nil, fmt.Errorf("%w: %s data: %d of %d bytes", ErrBadEncoding, name, len(buf), want)
	}

	if device == "" {
		device = Device(stored)
	}
	t := NewTensor(shape, device)
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return name, t, nil
}

func writeU32(w io.Writer, vals ...uint32) error {
	for _, v := range vals {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if len(s) >= maxNameLen {
		return fmt.Errorf("%w: name too long", ErrBadEncoding)
	}
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	if n >= maxNameLen {
		return "", fmt.Errorf("%w: name length %d", ErrBadEncoding, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	return string(buf), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
