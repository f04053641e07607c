// Package gguf parses the binary header and key/value metadata block of a
// GGUF model file and derives the runtime-relevant fields (architecture,
// context size, vocabulary size, embedding size, quantization tag) used to
// size a native context before inference.
package gguf

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// magic is the little-endian u32 "GGUF" ASCII magic, bytes 0x47 0x47 0x55 0x46.
const magic uint32 = 0x46554747

// ErrFormat is returned for any structurally invalid GGUF input: bad magic,
// an unknown metadata value type with no known size to skip, or a truncated
// read.
var ErrFormat = errors.New("gguf: format error")

// ErrLoad is returned when the requested model id cannot be resolved to a
// file under baseDir.
var ErrLoad = errors.New("gguf: load error")

// valueType enumerates the typed GGUF metadata value kinds this reader
// understands. A type outside this set has no statically known size, so
// [readValue] rejects it with [ErrFormat]: the remainder of the stream cannot
// be resynchronized.
type valueType uint32

const (
	typeUint8   valueType = 0
	typeInt8    valueType = 1
	typeUint16  valueType = 2
	typeInt16   valueType = 3
	typeUint32  valueType = 4
	typeInt32   valueType = 5
	typeFloat32 valueType = 6
	typeBool    valueType = 7
	typeString  valueType = 8
	typeArray   valueType = 9
	typeUint64  valueType = 10
	typeInt64   valueType = 11
	typeFloat64 valueType = 12
)

// fixedSize returns the on-disk size of scalar types with a statically known
// width, and ok=false for variable-length or unsupported types.
func fixedSize(t valueType) (int, bool) {
	switch t {
	case typeUint8, typeInt8, typeBool:
		return 1, true
	case typeUint16, typeInt16:
		return 2, true
	case typeUint32, typeInt32, typeFloat32:
		return 4, true
	case typeUint64, typeInt64, typeFloat64:
		return 8, true
	default:
		return 0, false
	}
}

// Metadata is the immutable, process-wide-cacheable result of parsing one
// GGUF file. It is built once per modelId and never mutated afterward.
type Metadata struct {
	ModelID        string
	Path           string
	FileSize       int64
	Version        uint32
	TensorCount    uint64
	Architecture   string
	ContextSize    int
	VocabularySize int
	EmbeddingSize  int
	Quantization   string
	Checksum       [32]byte
	Parameters     map[string]any
}

// ChecksumHex returns the SHA-256 checksum as a lowercase hex string.
func (m *Metadata) ChecksumHex() string { return fmt.Sprintf("%x", m.Checksum) }

// Resolve implements the path resolution rule: if id contains a path
// separator it is treated as a literal path; otherwise "<baseDir>/<id>.gguf"
// is tried, then "<baseDir>/<id>".
func Resolve(baseDir, id string) (string, error) {
	if strings.ContainsRune(id, '/') || strings.ContainsRune(id, os.PathSeparator) {
		if _, err := os.Stat(id); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrLoad, id, err)
		}
		return id, nil
	}
	candidates := []string{
		filepath.Join(baseDir, id+".gguf"),
		filepath.Join(baseDir, id),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: no file found for model id %q under %q", ErrLoad, id, baseDir)
}

// Read parses the GGUF header and metadata block at path and derives the
// runtime-relevant fields. The checksum is computed in the same pass.
func Read(modelID, path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrLoad, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %q: %v", ErrLoad, path, err)
	}

	hasher := sha256.New()
	r := bufio.NewReader(io.TeeReader(f, hasher))

	var hdr struct {
		Magic        uint32
		Version      uint32
		TensorCount  uint64
		MetadataCnt  uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Magic); err != nil {
		return nil, fmt.Errorf("%w: read magic: %v", ErrFormat, err)
	}
	if hdr.Magic != magic {
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrFormat, hdr.Magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Version); err != nil {
		return nil, fmt.Errorf("%w: read version: %v", ErrFormat, err)
	}
	if hdr.Version != 1 && hdr.Version != 2 && hdr.Version != 3 {
		slog.Warn("gguf: unexpected version, continuing", "path", path, "version", hdr.Version)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.TensorCount); err != nil {
		return nil, fmt.Errorf("%w: read tensor count: %v", ErrFormat, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.MetadataCnt); err != nil {
		return nil, fmt.Errorf("%w: read metadata count: %v", ErrFormat, err)
	}

	kv := make(map[string]any, hdr.MetadataCnt)
	for i := uint64(0); i < hdr.MetadataCnt; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("%w: read key %d: %v", ErrFormat, i, err)
		}
		var vt uint32
		if err := binary.Read(r, binary.LittleEndian, &vt); err != nil {
			return nil, fmt.Errorf("%w: read value type for %q: %v", ErrFormat, key, err)
		}
		val, err := readValue(r, valueType(vt))
		if err != nil {
			return nil, fmt.Errorf("%w: read value for %q: %v", ErrFormat, key, err)
		}
		if val == nil {
			continue // array value: consumed and discarded by readArray
		}
		kv[key] = val
	}

	// Drain the remainder of the file into the hasher without holding it in
	// memory; tensor data itself is outside this reader's scope.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, fmt.Errorf("%w: hashing remainder: %v", ErrFormat, err)
	}

	m := &Metadata{
		ModelID:     modelID,
		Path:        path,
		FileSize:    info.Size(),
		Version:     hdr.Version,
		TensorCount: hdr.TensorCount,
		Parameters:  kv,
	}
	copy(m.Checksum[:], hasher.Sum(nil))
	deriveFields(m, kv)
	return m, nil
}

func deriveFields(m *Metadata, kv map[string]any) {
	m.Architecture = stringOr(kv, "general.architecture", "")

	prefix := m.Architecture
	m.ContextSize = intOr(kv, prefix+".context_length", 2048)
	m.VocabularySize = intOr(kv, prefix+".vocab_size", 32000)
	m.EmbeddingSize = intOr(kv, prefix+".embedding_length", 4096)

	for k, v := range kv {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "quantization") || strings.Contains(lk, "type") {
			if s, ok := v.(string); ok {
				m.Quantization = s
				break
			}
		}
	}
}

func stringOr(kv map[string]any, key, def string) string {
	if v, ok := kv[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func intOr(kv map[string]any, key string, def int) int {
	v, ok := kv[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case uint8:
		return int(n)
	case int8:
		return int(n)
	case uint16:
		return int(n)
	case int16:
		return int(n)
	case uint32:
		return int(n)
	case int32:
		return int(n)
	case uint64:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readValue decodes one typed metadata value. Arrays are consumed and
// discarded and return (nil, nil). A type outside the known set returns an
// [ErrFormat] error, since its size is unknown; read errors are returned as
// they occur.
func readValue(r io.Reader, t valueType) (any, error) {
	if size, ok := fixedSize(t); ok {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return decodeFixed(t, buf), nil
	}
	switch t {
	case typeString:
		return readString(r)
	case typeArray:
		return readArray(r)
	default:
		return nil, fmt.Errorf("%w: unknown metadata value type %d with no static size", ErrFormat, t)
	}
}

func decodeFixed(t valueType, buf []byte) any {
	switch t {
	case typeUint8:
		return buf[0]
	case typeInt8:
		return int8(buf[0])
	case typeBool:
		return buf[0] != 0
	case typeUint16:
		return binary.LittleEndian.Uint16(buf)
	case typeInt16:
		return int16(binary.LittleEndian.Uint16(buf))
	case typeUint32:
		return binary.LittleEndian.Uint32(buf)
	case typeInt32:
		return int32(binary.LittleEndian.Uint32(buf))
	case typeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(buf))
	case typeUint64:
		return binary.LittleEndian.Uint64(buf)
	case typeInt64:
		return int64(binary.LittleEndian.Uint64(buf))
	case typeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	default:
		return nil
	}
}

// readArray skips an array value's elements without materializing them; GGUF
// arrays are not needed for the derived fields this reader exposes.
func readArray(r io.Reader) (any, error) {
	var elemType uint32
	if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
		return nil, err
	}
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	et := valueType(elemType)
	for i := uint64(0); i < n; i++ {
		if _, err := readValue(r, et); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// cache is a process-wide, immutable-after-construction metadata cache
// keyed by modelId, matching the "built once, cached process-wide" data
// model invariant.
type cache struct {
	mu      sync.RWMutex
	entries map[string]*Metadata
}

var defaultCache = &cache{entries: make(map[string]*Metadata)}

// Load returns the cached [Metadata] for modelID, parsing and caching it on
// first use. baseDir is consulted only on a cache miss.
func Load(baseDir, modelID string) (*Metadata, error) {
	defaultCache.mu.RLock()
	m, ok := defaultCache.entries[modelID]
	defaultCache.mu.RUnlock()
	if ok {
		return m, nil
	}

	path, err := Resolve(baseDir, modelID)
	if err != nil {
		return nil, err
	}
	m, err = Read(modelID, path)
	if err != nil {
		return nil, err
	}

	defaultCache.mu.Lock()
	defaultCache.entries[modelID] = m
	defaultCache.mu.Unlock()
	return m, nil
}
