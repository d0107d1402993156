// Package saver writes and restores training checkpoints.
//
// A checkpoint is a single file: the magic "T2SC", a format version, a
// JSON metadata block (step, tensor names and shapes, optimizer scalars),
// then the tensor payloads in metadata order, little-endian. Parameters
// are stored as float64 so restoring reproduces training state bit for
// bit; the Half option stores them as float16 instead, which shrinks
// archival checkpoints at the cost of an exact resume. Optimizer moment
// buffers are always float64.
package saver

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/x448/float16"

	"github.com/nv259/tensor2struct/format"
	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/training"
)

var checkpointMagic = []byte("T2SC")

const checkpointVersion = uint32(1)

const latestFile = "latest"

var checkpointName = regexp.MustCompile(`^checkpoint-(\d{8})\.ckpt$`)

// ErrNoCheckpoint is returned by Restore when the directory holds no
// checkpoints; training then starts from step zero.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Saver manages the checkpoints of one run directory.
type Saver struct {
	// Dir is the checkpoint directory, usually <logdir>/checkpoints.
	Dir string

	// Keep is how many checkpoints survive pruning. Zero keeps all.
	Keep int

	// Half stores parameters as float16. Restoring a half checkpoint is
	// lossy, so it suits archival rather than resumption.
	Half bool
}

type tensorInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type bufferInfo struct {
	Name string `json:"name"`
	Len  int    `json:"len"`
}

type optimizerState struct {
	Step    int                `json:"step"`
	LRs     map[string]float64 `json:"lrs,omitempty"`
	Buffers []bufferInfo       `json:"buffers,omitempty"`
}

type metadata struct {
	Step      int             `json:"step"`
	SavedAt   time.Time       `json:"saved_at"`
	DType     string          `json:"dtype"`
	Params    []tensorInfo    `json:"params"`
	Optimizer *optimizerState `json:"optimizer,omitempty"`
}

// Checkpoint is one saved training state.
type Checkpoint struct {
	Step int
	Path string
}

// Save writes a checkpoint for the given step and prunes old ones. The
// file appears atomically: it is assembled under a -partial name first.
func (s *Saver) Save(step int, params nn.Params, state *training.State) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}

	meta := metadata{
		Step:    step,
		SavedAt: time.Now().UTC(),
		DType:   "f64",
		Params:  make([]tensorInfo, 0, len(params)),
	}
	if s.Half {
		meta.DType = "f16"
	}
	for _, p := range params {
		meta.Params = append(meta.Params, tensorInfo{Name: p.Name, Shape: p.Shape})
	}

	var bufferNames []string
	if state != nil {
		bufferNames = slices.Sorted(maps.Keys(state.Buffers))
		opt := optimizerState{Step: state.Step, LRs: state.LRs}
		for _, name := range bufferNames {
			opt.Buffers = append(opt.Buffers, bufferInfo{Name: name, Len: len(state.Buffers[name])})
		}
		meta.Optimizer = &opt
	}

	name := fmt.Sprintf("checkpoint-%08d.ckpt", step)
	path := filepath.Join(s.Dir, name)

	f, err := os.Create(path + "-partial")
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeCheckpoint(w, meta, params, state, bufferNames, s.Half); err != nil {
		os.Remove(path + "-partial")
		return "", err
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(path+"-partial", path); err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(s.Dir, latestFile), []byte(name), 0o644); err != nil {
		return "", err
	}

	if fi, err := os.Stat(path); err == nil {
		slog.Info("saved checkpoint", "step", step, "path", path, "size", format.HumanBytes(fi.Size()))
	}

	s.prune()
	return path, nil
}

func writeCheckpoint(w io.Writer, meta metadata, params nn.Params, state *training.State, bufferNames []string, half bool) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	if _, err := w.Write(checkpointMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, checkpointVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(metaBytes))); err != nil {
		return err
	}
	if _, err := w.Write(metaBytes); err != nil {
		return err
	}

	for _, p := range params {
		if half {
			bits := make([]uint16, len(p.Data))
			for i, v := range p.Data {
				bits[i] = float16.Fromfloat32(float32(v)).Bits()
			}
			if err := binary.Write(w, binary.LittleEndian, bits); err != nil {
				return err
			}
			continue
		}
		if err := binary.Write(w, binary.LittleEndian, p.Data); err != nil {
			return err
		}
	}

	for _, name := range bufferNames {
		if err := binary.Write(w, binary.LittleEndian, state.Buffers[name]); err != nil {
			return err
		}
	}

	return nil
}

// Restore loads the latest checkpoint into params and returns its step and
// optimizer state. [ErrNoCheckpoint] means the directory has none.
func (s *Saver) Restore(params nn.Params) (int, *training.State, error) {
	path, err := s.Latest()
	if err != nil {
		return 0, nil, err
	}
	return s.RestoreFrom(path, params)
}

// RestoreFrom loads a specific checkpoint file into params. Every tensor
// in the checkpoint must match a parameter by name and shape.
func (s *Saver) RestoreFrom(path string, params nn.Params) (int, *training.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return 0, nil, fmt.Errorf("read checkpoint header: %w", err)
	}
	if string(magic) != string(checkpointMagic) {
		return 0, nil, fmt.Errorf("%s is not a checkpoint file", path)
	}

	var fileVersion uint32
	if err := binary.Read(r, binary.LittleEndian, &fileVersion); err != nil {
		return 0, nil, err
	}
	if fileVersion != checkpointVersion {
		return 0, nil, fmt.Errorf("unsupported checkpoint version %d", fileVersion)
	}

	var metaLen uint64
	if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
		return 0, nil, err
	}
	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBytes); err != nil {
		return 0, nil, err
	}

	var meta metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return 0, nil, fmt.Errorf("decode checkpoint metadata: %w", err)
	}

	byName := make(map[string]*nn.Parameter, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}

	for _, info := range meta.Params {
		p, ok := byName[info.Name]
		if !ok {
			return 0, nil, fmt.Errorf("checkpoint tensor %q has no matching parameter", info.Name)
		}
		if !slices.Equal(info.Shape, p.Shape) {
			return 0, nil, fmt.Errorf("checkpoint tensor %q has shape %v, parameter has %v", info.Name, info.Shape, p.Shape)
		}

		switch meta.DType {
		case "f64":
			if err := binary.Read(r, binary.LittleEndian, p.Data); err != nil {
				return 0, nil, fmt.Errorf("read tensor %q: %w", info.Name, err)
			}
		case "f16":
			bits := make([]uint16, len(p.Data))
			if err := binary.Read(r, binary.LittleEndian, bits); err != nil {
				return 0, nil, fmt.Errorf("read tensor %q: %w", info.Name, err)
			}
			for i, b := range bits {
				p.Data[i] = float64(float16.Frombits(b).Float32())
			}
		default:
			return 0, nil, fmt.Errorf("unsupported checkpoint dtype %q", meta.DType)
		}
	}

	var state *training.State
	if meta.Optimizer != nil {
		state = &training.State{
			Step:    meta.Optimizer.Step,
			LRs:     meta.Optimizer.LRs,
			Buffers: make(map[string][]float64, len(meta.Optimizer.Buffers)),
		}
		for _, info := range meta.Optimizer.Buffers {
			buf := make([]float64, info.Len)
			if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
				return 0, nil, fmt.Errorf("read optimizer buffer %q: %w", info.Name, err)
			}
			state.Buffers[info.Name] = buf
		}
	}

	slog.Info("restored checkpoint", "step", meta.Step, "path", path, "dtype", meta.DType)
	return meta.Step, state, nil
}

// Latest returns the path of the most recent checkpoint.
func (s *Saver) Latest() (string, error) {
	bts, err := os.ReadFile(filepath.Join(s.Dir, latestFile))
	if err == nil {
		path := filepath.Join(s.Dir, string(bts))
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	// fall back to the highest-numbered checkpoint on disk
	cps, err := s.Checkpoints()
	if err != nil || len(cps) == 0 {
		return "", ErrNoCheckpoint
	}
	return cps[len(cps)-1].Path, nil
}

// Checkpoints lists checkpoints in the directory, oldest first.
func (s *Saver) Checkpoints() ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cps []Checkpoint
	for _, e := range entries {
		m := checkpointName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		step, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		cps = append(cps, Checkpoint{Step: step, Path: filepath.Join(s.Dir, e.Name())})
	}

	slices.SortFunc(cps, func(a, b Checkpoint) int { return a.Step - b.Step })
	return cps, nil
}

// prune removes the oldest checkpoints beyond Keep.
func (s *Saver) prune() {
	if s.Keep <= 0 {
		return
	}

	cps, err := s.Checkpoints()
	if err != nil || len(cps) <= s.Keep {
		return
	}

	for _, cp := range cps[:len(cps)-s.Keep] {
		if err := os.Remove(cp.Path); err != nil {
			slog.Warn("could not prune checkpoint", "path", cp.Path, "error", err)
			continue
		}
		slog.Debug("pruned checkpoint", "path", cp.Path)
	}
}
