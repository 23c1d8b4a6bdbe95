package cnn

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
)

// A safetensors file is an 8 byte little endian header length, a JSON header,
// and then the raw little endian tensor data.
// The header maps each tensor name to its dtype, shape, and byte range within the data section.

type safetensorsEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

const safetensorsMetadataKey = "__metadata__"

// Refuse headers larger than this
const maxSafetensorsHeader = 100 * 1024 * 1024

// LoadWeights reads a safetensors file.
// F32 and F64 tensors are loaded (F64 is narrowed to float32). Tensors of other types,
// such as the I64 batch counters that PyTorch saves with batch norm layers, are skipped.
func LoadWeights(filename string) (Weights, map[string]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	w, meta, err := ReadWeights(f)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to read weights from %v: %w", filename, err)
	}
	return w, meta, nil
}

// ReadWeights reads a safetensors stream. See LoadWeights.
func ReadWeights(r io.Reader) (Weights, map[string]string, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("Failed to read header length: %w", err)
	}
	if headerLen > maxSafetensorsHeader {
		return nil, nil, fmt.Errorf("Header length %v is too large", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("Failed to read header: %w", err)
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, nil, fmt.Errorf("Failed to parse header: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to read tensor data: %w", err)
	}

	metadata := map[string]string{}
	weights := Weights{}
	for name, msg := range raw {
		if name == safetensorsMetadataKey {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, fmt.Errorf("Invalid metadata: %w", err)
			}
			continue
		}
		entry := safetensorsEntry{}
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, nil, fmt.Errorf("Invalid header entry %v: %w", name, err)
		}
		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(data)) {
			return nil, nil, fmt.Errorf("Tensor %v has data offsets [%v, %v] outside of the %v bytes of data", name, begin, end, len(data))
		}
		var elemSize int64
		switch entry.DType {
		case "F32":
			elemSize = 4
		case "F64":
			elemSize = 8
		default:
			continue
		}
		n := int64(NumElements(entry.Shape))
		if end-begin != n*elemSize {
			return nil, nil, fmt.Errorf("Tensor %v of shape %v needs %v bytes, but has %v", name, entry.Shape, n*elemSize, end-begin)
		}
		t := NewTensor(entry.Shape...)
		src := data[begin:end]
		for i := range t.Data {
			if elemSize == 4 {
				t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
			} else {
				t.Data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:])))
			}
		}
		weights[name] = t
	}
	return weights, metadata, nil
}

// SaveWeights writes weights as F32 tensors in a safetensors file
func SaveWeights(filename string, weights Weights, metadata map[string]string) error {
	buf := &bytes.Buffer{}
	if err := WriteWeights(buf, weights, metadata); err != nil {
		return err
	}
	return os.WriteFile(filename, buf.Bytes(), 0644)
}

// WriteWeights writes weights as F32 tensors in safetensors format.
// Tensors are laid out in name order.
func WriteWeights(w io.Writer, weights Weights, metadata map[string]string) error {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	slices.Sort(names)

	header := map[string]any{}
	if len(metadata) != 0 {
		header[safetensorsMetadataKey] = metadata
	}
	offset := int64(0)
	for _, name := range names {
		t := weights[name]
		size := int64(t.Size()) * 4
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = safetensorsEntry{
			DType:       "F32",
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header with spaces so that the data section is 8 byte aligned
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range weights[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}
