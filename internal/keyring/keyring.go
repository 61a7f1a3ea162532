// Copyright 2024 The avbrebuild authors. All Rights Reserved.
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

// Package keyring resolves the private key to sign with for a given
// vbmeta signing algorithm.
package keyring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

var (
	// ErrUnsupportedAlgorithm means the algorithm maps to no known key
	// strength. Signing cannot proceed; a wrong-strength key would
	// produce an unverifiable image.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	// ErrNoKey means no usable private key file is available.
	ErrNoKey = errors.New("no private key available")
)

// Candidate key locations probed under the working directory,
// strongest first.
var candidatePaths = []string{
	filepath.Join("tools", "pem", "testkey_rsa4096.pem"),
	filepath.Join("tools", "pem", "testkey_rsa2048.pem"),
}

// Keyring holds the private keys available for a rebuild run.
type Keyring struct {
	// override, when set, is handed out for every algorithm without a
	// strength match. Deliberate escape hatch for signing with
	// non-standard key material.
	override string
	keys     []string
}

// Fixed pins the keyring to a single operator-supplied key. Relative
// paths resolve against workDir.
func Fixed(path, workDir string) *Keyring {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	return &Keyring{override: filepath.Clean(path)}
}

// Detect probes the fixed candidate locations under workDir and
// returns a keyring of the keys that exist. No keys at all is a
// configuration error: the run cannot sign anything.
func Detect(workDir string) (*Keyring, error) {
	var keys []string
	for _, rel := range candidatePaths {
		path := filepath.Join(workDir, rel)
		if _, err := os.Stat(path); err != nil {
			klog.V(1).Infof("No private key at %s", path)
			continue
		}
		klog.Infof("Found private key: %s", path)
		keys = append(keys, path)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoKey, filepath.Join(workDir, "tools", "pem"))
	}
	return &Keyring{keys: keys}, nil
}

// strengthFor maps a signing algorithm to the RSA key strength it
// requires.
func strengthFor(algorithm string) (string, error) {
	switch algorithm {
	case "SHA256_RSA4096", "SHA512_RSA4096":
		return "4096", nil
	case "SHA256_RSA2048", "SHA512_RSA2048":
		return "2048", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
}

// ForAlgorithm resolves the key file to sign with. An operator
// override wins unconditionally once the algorithm itself is known to
// be supported; otherwise the first detected key whose path carries
// the required strength is returned.
func (k *Keyring) ForAlgorithm(algorithm string) (string, error) {
	strength, err := strengthFor(algorithm)
	if err != nil {
		return "", err
	}

	if k.override != "" {
		klog.Infof("Using manually specified private key: %s", k.override)
		return k.override, nil
	}

	needle := "rsa" + strength
	for _, path := range k.keys {
		if strings.Contains(path, needle) {
			klog.Infof("Algorithm %s using private key: %s", algorithm, path)
			return path, nil
		}
	}
	return "", fmt.Errorf("%w matching %s for algorithm %s", ErrNoKey, needle, algorithm)
}
