package checkpoint

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"minigpt/pkg/config"
	"minigpt/pkg/model"
	"minigpt/pkg/tensor"
)

// header opens a snapshot; it is followed by Count records.
type header struct {
	Config config.Config
	Count  int
}

// record is one named tensor of a snapshot.
type record struct {
	Name  string
	Shape []int
	Data  []float32
}

// Save writes the configuration and every tensor of m to w.
func Save(w io.Writer, m *model.GPT) error {
	bw := bufio.NewWriter(w)
	encoder := gob.NewEncoder(bw)

	sd := m.StateDict()
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := encoder.Encode(header{Config: m.Config, Count: len(names)}); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	for _, name := range names {
		t := sd[name]
		if err := encoder.Encode(record{Name: name, Shape: t.Shape, Data: t.Data}); err != nil {
			return fmt.Errorf("failed to encode %q: %w", name, err)
		}
	}
	return bw.Flush()
}

// Load reads a snapshot written by Save and rebuilds the model.
func Load(r io.Reader) (*model.GPT, error) {
	decoder := gob.NewDecoder(bufio.NewReader(r))

	var h header
	if err := decoder.Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	sd := make(map[string]*tensor.Tensor, h.Count)
	for i := 0; i < h.Count; i++ {
		var rec record
		if err := decoder.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode tensor %d of %d: %w", i+1, h.Count, err)
		}
		t, err := tensor.FromSlice(rec.Data, rec.Shape)
		if err != nil {
			return nil, fmt.Errorf("bad tensor %q: %w", rec.Name, err)
		}
		sd[rec.Name] = t
	}

	m, err := model.New(h.Config)
	if err != nil {
		return nil, err
	}
	if err := m.LoadStateDict(sd); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveFile writes a snapshot of m to filename.
func SaveFile(filename string, m *model.GPT) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return Save(f, m)
}

// LoadFile reads a snapshot from filename.
func LoadFile(filename string) (_ *model.GPT, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return Load(f)
}

// IsPyTorch reports whether filename looks like a torch.save file.
func IsPyTorch(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pt", ".pth", ".bin":
		return true
	}
	return false
}

// Restore builds a model from filename. A PyTorch state dict is loaded into
// a fresh model built from cfg, narrower block sizes included; a snapshot
// brings its own configuration and cfg is ignored. An empty filename gives
// the freshly initialized model.
func Restore(filename string, cfg config.Config) (*model.GPT, error) {
	if filename != "" && !IsPyTorch(filename) {
		return LoadFile(filename)
	}

	m, err := model.New(cfg)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		log.Debug().Msg("no checkpoint given, using initialized weights")
		return m, nil
	}

	sd, err := LoadPyTorch(filename)
	if err != nil {
		return nil, err
	}
	if err := m.LoadStateDict(sd); err != nil {
		return nil, fmt.Errorf("failed to load %q: %w", filename, err)
	}
	return m, nil
}
