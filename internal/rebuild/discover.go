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

package rebuild

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

const imgSuffix = ".img"

// Partitions probed when no explicit list is given.
var defaultPartitions = []string{"boot", "init_boot"}

// ErrNoPartitions means discovery found nothing to rebuild.
var ErrNoPartitions = errors.New("no partition images found")

// PartitionImage pairs a partition name with its on-disk image file.
type PartitionImage struct {
	Name string
	Path string
}

// Discover resolves the partition images to rebuild. An explicit
// request list takes precedence; names may already carry the .img
// suffix, and entries without a matching file are warned about and
// skipped. Without a request the fixed whitelist is probed in workDir.
func Discover(workDir string, requested []string) ([]PartitionImage, error) {
	var found []PartitionImage

	if len(requested) > 0 {
		for _, name := range requested {
			file := name
			if !strings.HasSuffix(file, imgSuffix) {
				file += imgSuffix
			}
			path := filepath.Join(workDir, file)
			if _, err := os.Stat(path); err != nil {
				klog.Warningf("Specified partition image does not exist: %s", path)
				continue
			}
			klog.Infof("Using partition image: %s -> %s", strings.TrimSuffix(file, imgSuffix), path)
			found = append(found, PartitionImage{Name: strings.TrimSuffix(file, imgSuffix), Path: path})
		}
	} else {
		for _, name := range defaultPartitions {
			path := filepath.Join(workDir, name+imgSuffix)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			klog.Infof("Found partition image: %s -> %s", name, path)
			found = append(found, PartitionImage{Name: name, Path: path})
		}
	}

	if len(found) == 0 {
		return nil, ErrNoPartitions
	}
	return found, nil
}
