package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kbpf-dev/kbpf"
)

// scenario is the YAML document read by the replay command.
type scenario struct {
	// Symbols resolvable as probe targets.
	Symbols map[string]uint64 `yaml:"symbols"`
	// Kallsyms is a kallsyms-format file consulted for symbols missing from
	// Symbols.
	Kallsyms string `yaml:"kallsyms"`

	MaxObjects     int  `yaml:"max_objects"`
	CollapseErrors bool `yaml:"collapse_errors"`

	Steps []step `yaml:"steps"`
}

// step holds exactly one action.
type step struct {
	MapCreate *mapCreateStep `yaml:"map_create"`
	Lookup    *mapOpStep     `yaml:"lookup"`
	Update    *mapOpStep     `yaml:"update"`
	Delete    *mapOpStep     `yaml:"delete"`
	NextKey   *mapOpStep     `yaml:"next_key"`
	Load      *loadStep      `yaml:"load"`
	Attach    *attachStep    `yaml:"attach"`
	Detach    *fdStep        `yaml:"detach"`
	Close     *fdStep        `yaml:"close"`
	Hit       *hitStep       `yaml:"hit"`

	// Expect is the return value the step must produce.
	Expect *int64 `yaml:"expect"`
	// ExpectValue is the value a lookup or next_key must copy out.
	ExpectValue hexBytes `yaml:"expect_value"`
}

type mapCreateStep struct {
	Type       mapType `yaml:"type"`
	KeySize    uint32  `yaml:"key_size"`
	ValueSize  uint32  `yaml:"value_size"`
	MaxEntries uint32  `yaml:"max_entries"`
}

type mapOpStep struct {
	FD    uint32      `yaml:"fd"`
	Key   hexBytes    `yaml:"key"`
	Value hexBytes    `yaml:"value"`
	Flags updateFlags `yaml:"flags"`
}

type loadStep struct {
	Name string       `yaml:"name"`
	Maps []mapBinding `yaml:"maps"`
}

type mapBinding struct {
	Name string `yaml:"name"`
	FD   uint32 `yaml:"fd"`
}

type attachStep struct {
	FD     uint32 `yaml:"fd"`
	Target string `yaml:"target"`
}

type fdStep struct {
	FD uint32 `yaml:"fd"`
}

type hitStep struct {
	Symbol string `yaml:"symbol"`
	// Kind is one of kprobe, entry or exit.
	Kind  string   `yaml:"kind"`
	Frame hexBytes `yaml:"frame"`
}

func readScenario(r io.Reader) (*scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var sc scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}

	for i, st := range sc.Steps {
		if n := st.actions(); n != 1 {
			return nil, fmt.Errorf("step %d: expected one action, got %d", i, n)
		}
	}
	return &sc, nil
}

func (st *step) actions() int {
	n := 0
	for _, set := range []bool{
		st.MapCreate != nil, st.Lookup != nil, st.Update != nil,
		st.Delete != nil, st.NextKey != nil, st.Load != nil,
		st.Attach != nil, st.Detach != nil, st.Close != nil, st.Hit != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// hexBytes is a byte string written as hex in YAML.
type hexBytes []byte

func (hb *hexBytes) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	buf, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*hb = buf
	return nil
}

func (hb hexBytes) String() string {
	return hex.EncodeToString(hb)
}

type mapType kbpf.MapType

func (mt *mapType) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	switch strings.ToLower(s) {
	case "hash":
		*mt = mapType(kbpf.Hash)
	case "array":
		*mt = mapType(kbpf.Array)
	default:
		var n uint32
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("line %d: unknown map type %q", node.Line, s)
		}
		*mt = mapType(n)
	}
	return nil
}

type updateFlags kbpf.MapUpdateFlags

func (uf *updateFlags) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	switch strings.ToLower(s) {
	case "", "any":
		*uf = updateFlags(kbpf.UpdateAny)
	case "noexist":
		*uf = updateFlags(kbpf.UpdateNoExist)
	case "exist":
		*uf = updateFlags(kbpf.UpdateExist)
	default:
		var n uint64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("line %d: unknown update flags %q", node.Line, s)
		}
		*uf = updateFlags(n)
	}
	return nil
}
