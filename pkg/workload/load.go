// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workload

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Legacy task files list one task per line as whitespace separated integers:
//
//	ID Arrival Exec Period R1Start R1End R2Start R2End
//
// A section whose start equals its end is absent.
const (
	legacyFields    = 8
	legacyResources = 2
)

// DefaultHorizon is the horizon given to task sets that do not set one.
const DefaultHorizon = 100

// taskSetSchema is the JSON schema of task set documents.
//
//go:embed schema.json
var taskSetSchema string

// LoadFile reads a task set. The format follows the extension: .toml, .json,
// .yaml or .yml, and anything else is read as a legacy task file.
func LoadFile(path string) (*TaskSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s *TaskSet
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		s, err = ParseTOML(data)
	case ".json":
		s, err = ParseJSON(data)
	case ".yaml", ".yml":
		s, err = ParseYAML(data)
	default:
		s, err = ParseLegacy(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if s.Horizon == 0 {
		s.Horizon = DefaultHorizon
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseTOML decodes a TOML task set. Unknown keys are rejected.
func ParseTOML(data []byte) (*TaskSet, error) {
	var s TaskSet
	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys %v", undecoded)
	}
	return &s, nil
}

// ParseJSON validates a JSON task set against its schema and decodes it.
func ParseJSON(data []byte) (*TaskSet, error) {
	res, err := gojsonschema.Validate(gojsonschema.NewStringLoader(taskSetSchema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, err
	}
	if !res.Valid() {
		var msgs []string
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
	}
	var s TaskSet
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseYAML decodes a YAML task set. Unknown keys are rejected.
func ParseYAML(data []byte) (*TaskSet, error) {
	var s TaskSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseLegacy reads a legacy task file. It declares resources R1 and R2.
// Blank lines and lines starting with '#' are skipped.
func ParseLegacy(r io.Reader) (*TaskSet, error) {
	s := &TaskSet{}
	for i := 1; i <= legacyResources; i++ {
		s.Resources = append(s.Resources, Resource{Name: fmt.Sprintf("R%d", i)})
	}
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != legacyFields {
			return nil, fmt.Errorf("line %d: got %d fields, want %d", line, len(fields), legacyFields)
		}
		var v [legacyFields]uint64
		for j, f := range fields {
			n, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: field %d: %w", line, j+1, err)
			}
			v[j] = n
		}
		t := TaskSpec{
			ID:      int(v[0]),
			Arrival: uint32(v[1]),
			Exec:    uint32(v[2]),
			Period:  uint32(v[3]),
		}
		for j := 0; j < legacyResources; j++ {
			start, end := uint32(v[4+2*j]), uint32(v[5+2*j])
			if start == end {
				continue
			}
			t.Sections = append(t.Sections, Section{Resource: s.Resources[j].Name, Start: start, End: end})
		}
		s.Tasks = append(s.Tasks, t)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return s, nil
}
