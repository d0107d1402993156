package convert

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type safetensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// readSafetensors extracts the embedding matrix from a safetensors file:
// an 8-byte little-endian header length, a JSON header mapping tensor
// names to dtype/shape/offsets, then the raw payloads.
func readSafetensors(path, key string) (*matrix, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bts) < 8 {
		return nil, fmt.Errorf("%s is not a safetensors file", path)
	}

	headerLen := binary.LittleEndian.Uint64(bts[:8])
	if headerLen > uint64(len(bts)-8) {
		return nil, fmt.Errorf("%s has a truncated safetensors header", path)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(bts[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("decode safetensors header: %w", err)
	}
	payload := bts[8+headerLen:]

	infos := make(map[string]safetensorInfo)
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var info safetensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("decode tensor info %q: %w", name, err)
		}
		infos[name] = info
	}

	info, err := selectSafetensor(infos, key)
	if err != nil {
		return nil, err
	}

	if info.Offsets[0] < 0 || info.Offsets[1] > len(payload) || info.Offsets[0] > info.Offsets[1] {
		return nil, fmt.Errorf("tensor offsets %v exceed payload size %d", info.Offsets, len(payload))
	}
	buf := payload[info.Offsets[0]:info.Offsets[1]]

	n := info.Shape[0] * info.Shape[1]
	var data []float32
	switch info.DType {
	case "F32":
		if len(buf) != 4*n {
			return nil, fmt.Errorf("F32 tensor payload is %d bytes, want %d", len(buf), 4*n)
		}
		data = make([]float32, n)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	case "F16":
		if len(buf) != 2*n {
			return nil, fmt.Errorf("F16 tensor payload is %d bytes, want %d", len(buf), 2*n)
		}
		data = make([]float32, n)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
	case "BF16":
		if len(buf) != 2*n {
			return nil, fmt.Errorf("BF16 tensor payload is %d bytes, want %d", len(buf), 2*n)
		}
		data = bfloat16.DecodeFloat32(buf)
	default:
		return nil, fmt.Errorf("unsupported safetensors dtype %q", info.DType)
	}

	return &matrix{rows: info.Shape[0], cols: info.Shape[1], data: data}, nil
}

func selectSafetensor(infos map[string]safetensorInfo, key string) (safetensorInfo, error) {
	if key != "" {
		info, ok := infos[key]
		if !ok {
			return safetensorInfo{}, fmt.Errorf("tensor %q not found in file", key)
		}
		if len(info.Shape) != 2 {
			return safetensorInfo{}, fmt.Errorf("tensor %q must be 2-D, got shape %v", key, info.Shape)
		}
		return info, nil
	}

	var found safetensorInfo
	var names []string
	for name, info := range infos {
		if len(info.Shape) != 2 {
			continue
		}
		found = info
		names = append(names, name)
	}

	switch len(names) {
	case 0:
		return safetensorInfo{}, ErrNoEmbedding
	case 1:
		return found, nil
	default:
		return safetensorInfo{}, fmt.Errorf("file has %d candidate matrices %v, pick one with --key", len(names), names)
	}
}
