// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	klog "k8s.io/klog/v2"
)

const (
	fileTypeData = "data"

	usersSettings      = "users"
	generalSettings    = "settings"
	correlatorSettings = "correlator"
)

// UserEntry is one credential section of users.toml.
type UserEntry struct {
	User string `toml:"user"`
	Enc  string `toml:"enc"`
}

// SearchSettings is the [clusters] table of settings.toml.
type SearchSettings struct {
	SearchableKeys []string `toml:"searchable_keys"`
}

// Directory is a loaded configuration directory.
type Directory struct {
	Path       string
	Clusters   map[string]ClusterInfo
	Users      map[string]UserEntry
	Search     SearchSettings
	Correlator CorrelatorConfig

	// Warnings collects non fatal problems found while loading, such as unknown keys.
	Warnings []string
}

type fileHeader struct {
	Settings struct {
		Type string `toml:"type"`
	} `toml:"settings"`
}

type dataFile struct {
	Clusters map[string]ClusterInfo `toml:"clusters"`
}

type settingsFile struct {
	Clusters SearchSettings `toml:"clusters"`
}

type correlatorFile struct {
	Correlator CorrelatorConfig `toml:"correlator"`
}

// Load reads every *.toml file below dir. Files declaring [settings] type = "data" contribute
// clusters, every other file is a settings file named after its stem. outputDir seeds the
// defaults of the correlator settings.
func Load(dir, outputDir string) (*Directory, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory %s: %w", dir, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("config path %s is not a directory", dir)
	}

	files, err := tomlFiles(dir)
	if err != nil {
		return nil, err
	}

	d := &Directory{
		Path:     dir,
		Clusters: make(map[string]ClusterInfo),
		Users:    make(map[string]UserEntry),
	}

	for _, file := range files {
		if err := d.loadFile(file); err != nil {
			return nil, err
		}
	}

	if err := d.Correlator.validateAndSetDefaults(outputDir); err != nil {
		return nil, fmt.Errorf("invalid correlator settings: %w", err)
	}

	for _, w := range d.Warnings {
		klog.Warning(w)
	}

	klog.V(1).Infof("Loaded %d files from %s: %d clusters, %d credential entries", len(files), dir,
		len(d.Clusters), len(d.Users))

	return d, nil
}

func tomlFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.IsDir() && strings.EqualFold(filepath.Ext(path), ".toml") {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk config directory %s: %w", dir, err)
	}

	sort.Strings(files)

	return files, nil
}

func (d *Directory) loadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var header fileHeader
	if _, err := toml.Decode(string(content), &header); err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}

	if header.Settings.Type == fileTypeData {
		klog.V(2).Infof("Parsing data file %s", path)
		return d.loadData(path, string(content))
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	klog.V(2).Infof("Parsing settings file %s as %q", path, stem)

	switch stem {
	case usersSettings:
		users := map[string]UserEntry{}
		if _, err := toml.Decode(string(content), &users); err != nil {
			return fmt.Errorf("failed to decode users file %s: %w", path, err)
		}

		for k, v := range users {
			d.Users[k] = v
		}
	case generalSettings:
		var s settingsFile
		if _, err := toml.Decode(string(content), &s); err != nil {
			return fmt.Errorf("failed to decode settings file %s: %w", path, err)
		}

		if len(s.Clusters.SearchableKeys) > 0 {
			d.Search = s.Clusters
		}
	case correlatorSettings:
		var c correlatorFile

		md, err := toml.Decode(string(content), &c)
		if err != nil {
			return fmt.Errorf("failed to decode correlator settings %s: %w", path, err)
		}

		d.warnUndecoded(path, md, correlatorSettings)
		d.Correlator = c.Correlator
	default:
		klog.V(2).Infof("Ignoring settings file %s", path)
	}

	return nil
}

func (d *Directory) loadData(path, content string) error {
	var data dataFile

	md, err := toml.Decode(content, &data)
	if err != nil {
		return fmt.Errorf("failed to decode data file %s: %w", path, err)
	}

	d.warnUndecoded(path, md, "clusters")

	for key, c := range data.Clusters {
		if prev, ok := d.Clusters[key]; ok {
			d.Warnings = append(d.Warnings, fmt.Sprintf("%s: cluster %q redefines the entry from %s", path, key, prev.Source))
		}

		c.setDefaults(key, path)

		if c.ClusterType != ClusterTypeHA && c.ClusterType != ClusterTypeSingle {
			d.Warnings = append(d.Warnings, fmt.Sprintf("%s: cluster %q has unknown cluster_type %q, assuming ha",
				path, key, c.ClusterType))
		}

		d.Clusters[key] = c
	}

	return nil
}

// warnUndecoded records keys under section that no struct field consumed.
func (d *Directory) warnUndecoded(path string, md toml.MetaData, section string) {
	for _, key := range md.Undecoded() {
		if len(key) == 0 || key[0] != section {
			continue
		}

		d.Warnings = append(d.Warnings, fmt.Sprintf("%s: unknown key %q ignored", path, key.String()))
	}
}

// Names returns every cluster key in sorted order.
func (d *Directory) Names() []string {
	names := make([]string, 0, len(d.Clusters))
	for k := range d.Clusters {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}

// SearchClusters returns the clusters matching f, sorted by key.
func (d *Directory) SearchClusters(f Filter) []ClusterInfo {
	if len(d.Search.SearchableKeys) > 0 {
		for _, k := range f.Keys() {
			if k != "name" && !slices.Contains(d.Search.SearchableKeys, k) {
				klog.Warningf("Filter key %q is not listed in searchable_keys", k)
			}
		}
	}

	var out []ClusterInfo

	for _, name := range d.Names() {
		c := d.Clusters[name]
		if f.Match(c) {
			out = append(out, c)
		} else {
			klog.V(3).Infof("Cluster %s does not match filter", name)
		}
	}

	return out
}
