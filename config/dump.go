package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Dump writes the config as indented JSON with sections in a fixed order,
// so snapshots diff cleanly across runs.
func (c *Config) Dump(w io.Writer) error {
	om := orderedmap.New[string, json.RawMessage]()

	put := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		om.Set(key, data)
		return nil
	}

	if err := put("kind", c.Kind); err != nil {
		return err
	}
	if c.Seed != 0 {
		if err := put("seed", c.Seed); err != nil {
			return err
		}
	}
	if err := put("model", c.Model); err != nil {
		return err
	}
	if err := put("data", c.Data); err != nil {
		return err
	}
	if err := put("train", c.Train); err != nil {
		return err
	}
	if c.MetaTrain != nil {
		if err := put("meta_train", c.MetaTrain); err != nil {
			return err
		}
	}
	if err := put("optimizer", c.Optimizer); err != nil {
		return err
	}
	if c.LRScheduler != nil {
		if err := put("lr_scheduler", c.LRScheduler); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(om)
}

// Snapshot writes the config into dir as config.json.
func (c *Config) Snapshot(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, "config.json"))
	if err != nil {
		return err
	}
	defer f.Close()

	if err := c.Dump(f); err != nil {
		return err
	}
	return f.Close()
}
