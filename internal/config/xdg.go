// Copyright 2025 Tom Barlow
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
	"os"
	"path/filepath"
)

// Dir returns the quiver configuration directory, creating it when
// absent. XDG_CONFIG_HOME is honoured through os.UserConfigDir.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(base, "quiver")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the default config file location inside Dir.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DiscoverPath finds the config file to load when none is given on the
// command line: QUIVER_CONFIG, then ./quiver.yaml, then the per-user
// default. Returns "" when no file exists anywhere, which loads pure
// defaults plus environment.
func DiscoverPath() string {
	if path := os.Getenv("QUIVER_CONFIG"); path != "" {
		return path
	}

	if _, err := os.Stat("quiver.yaml"); err == nil {
		return "quiver.yaml"
	}

	if path, err := Path(); err == nil {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
