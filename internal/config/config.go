// Package config loads world definition files: the object types a world
// replicates and the objects it spawns at boot.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/protocol/schema"
	"github.com/danmuck/worldsync/internal/replica"
	"github.com/pelletier/go-toml/v2"
)

type WorldFile struct {
	Name    string         `toml:"name"`
	Types   []TypeConfig   `toml:"types"`
	Objects []ObjectConfig `toml:"objects"`
}

type TypeConfig struct {
	Name      string         `toml:"name"`
	OwnerOnly bool           `toml:"owner_only"`
	Members   []MemberConfig `toml:"members"`
}

type MemberConfig struct {
	Name     string   `toml:"name"`
	Kind     string   `toml:"kind"`
	Min      *float64 `toml:"min"`
	Max      *float64 `toml:"max"`
	MaxLen   int      `toml:"max_len"`
	ReadOnly bool     `toml:"readonly"`
	Default  any      `toml:"default"`
}

// ObjectConfig is an object spawned when the world boots. Values are keyed by
// member name.
type ObjectConfig struct {
	ID     uint64         `toml:"id"`
	Type   string         `toml:"type"`
	Values map[string]any `toml:"values"`
}

func LoadWorld(path string) (WorldFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorldFile{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := ParseWorld(data)
	if err != nil {
		return WorldFile{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

func ParseWorld(data []byte) (WorldFile, error) {
	var cfg WorldFile
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return WorldFile{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "world"
	}
	if err := ValidateWorld(cfg); err != nil {
		return WorldFile{}, err
	}
	return cfg, nil
}

func ValidateWorld(cfg WorldFile) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("world config missing name")
	}
	types := make(map[string]struct{}, len(cfg.Types))
	for i, t := range cfg.Types {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("types[%d] missing name", i)
		}
		if _, dup := types[t.Name]; dup {
			return fmt.Errorf("types[%d] duplicate type %q", i, t.Name)
		}
		types[t.Name] = struct{}{}
	}
	ids := make(map[uint64]struct{}, len(cfg.Objects))
	for i, o := range cfg.Objects {
		if _, dup := ids[o.ID]; dup {
			return fmt.Errorf("objects[%d] duplicate id %d", i, o.ID)
		}
		ids[o.ID] = struct{}{}
		if _, ok := types[o.Type]; !ok {
			return fmt.Errorf("objects[%d] unknown type %q", i, o.Type)
		}
	}
	return nil
}

// SchemaType converts one declared type, encoding member defaults.
func (t TypeConfig) SchemaType() (schema.Type, error) {
	out := schema.Type{Name: t.Name, OwnerOnly: t.OwnerOnly, Members: make([]schema.Member, 0, len(t.Members))}
	for i, m := range t.Members {
		member := schema.Member{
			Name:     m.Name,
			Kind:     schema.Kind(strings.ToLower(strings.TrimSpace(m.Kind))),
			Min:      m.Min,
			Max:      m.Max,
			MaxLen:   m.MaxLen,
			ReadOnly: m.ReadOnly,
		}
		if m.Default != nil {
			def, err := EncodeValue(member.Kind, m.Default)
			if err != nil {
				return schema.Type{}, fmt.Errorf("type %q member[%d] default: %w", t.Name, i, err)
			}
			member.Default = def
		}
		out.Members = append(out.Members, member)
	}
	return out, nil
}

// Registry validates every declared type into a fresh registry.
func (w WorldFile) Registry() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, tc := range w.Types {
		t, err := tc.SchemaType()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Resolver maps the declared boot objects to their types so full batches
// rebuild typed objects on clients and on checkpoint restore.
func (w WorldFile) Resolver(reg *schema.Registry) replica.Resolver {
	byID := make(map[protocol.TargetID]string, len(w.Objects))
	for _, o := range w.Objects {
		byID[protocol.TargetID(o.ID)] = o.Type
	}
	return func(id protocol.TargetID) (schema.Type, bool) {
		name, ok := byID[id]
		if !ok {
			return schema.Type{}, false
		}
		return reg.Lookup(name)
	}
}

// Spawner is the authority surface used to create boot objects.
type Spawner interface {
	Spawn(id protocol.TargetID, typeName string) error
	Store() *replica.Store
}

// Populate spawns the declared objects and stores their initial values
// without marking them dirty. Objects that already exist are left alone so a
// restored checkpoint wins over the file.
func (w WorldFile) Populate(target Spawner, reg *schema.Registry) (int, error) {
	spawned := 0
	for _, o := range w.Objects {
		id := protocol.TargetID(o.ID)
		if ok, _ := target.Store().Has(id, 0); ok {
			continue
		}
		if err := target.Spawn(id, o.Type); err != nil {
			return spawned, fmt.Errorf("spawn object %d: %w", o.ID, err)
		}
		spawned++
		t, _ := reg.Lookup(o.Type)
		names := make([]string, 0, len(o.Values))
		for name := range o.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			idx, ok := t.MemberIndex(name)
			if !ok {
				return spawned, fmt.Errorf("object %d: type %q has no member %q", o.ID, o.Type, name)
			}
			data, err := EncodeValue(t.Members[idx].Kind, o.Values[name])
			if err != nil {
				return spawned, fmt.Errorf("object %d member %q: %w", o.ID, name, err)
			}
			if err := t.Check(idx, data); err != nil {
				return spawned, fmt.Errorf("object %d: %w", o.ID, err)
			}
			if err := target.Store().Set(id, protocol.MemberIndex(idx), data); err != nil {
				return spawned, err
			}
		}
	}
	return spawned, nil
}
