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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/avb-tools/avbrebuild/internal/avb"
	"github.com/avb-tools/avbrebuild/internal/avbtool"
)

const (
	vbmetaScratch = "vbmeta_new.img"
	vbmetaPadding = "4096"
	// The top-level vbmeta image always sits at rollback index
	// location 0; chained partitions occupy the higher locations.
	vbmetaRollbackLocation = "0"

	defaultVbmetaAlgorithm = "SHA256_RSA4096"
)

// rebuildVbmeta regenerates the vbmeta image: it inherits algorithm,
// rollback index and flags from the current one, folds in the
// descriptors of the original plus every regular partition's rebuilt
// image, and atomically replaces the original on success. Must run
// only after all regular footers were rewritten, since the descriptors
// are read back out of those images.
func (r *Rebuilder) rebuildVbmeta(ctx context.Context, regular []partitionState) error {
	klog.Infof("Rebuilding %s", vbmetaImage)

	original := filepath.Join(r.WorkDir, vbmetaImage)
	info, err := r.Signer.Info(ctx, original)
	if err != nil {
		return fmt.Errorf("unable to parse original vbmeta: %w", err)
	}

	algorithm := info.Algorithm
	if algorithm == "" {
		algorithm = defaultVbmetaAlgorithm
	}
	key, err := r.Keys.ForAlgorithm(algorithm)
	if err != nil {
		return err
	}

	r.checkLibavbVersions(info, regular)

	rollback := info.RollbackIndex
	if rollback == "" {
		rollback = "0"
	}
	flags := info.Flags
	if flags == "" {
		flags = "0"
	}

	params := avbtool.VbmetaParams{
		Output:                 filepath.Join(r.WorkDir, vbmetaScratch),
		Algorithm:              algorithm,
		Key:                    key,
		RollbackIndex:          rollback,
		Flags:                  flags,
		RollbackIndexLocation:  vbmetaRollbackLocation,
		PaddingSize:            vbmetaPadding,
		IncludeDescriptorsFrom: []string{original},
	}
	for _, p := range regular {
		if _, err := os.Stat(p.Path); err == nil {
			params.IncludeDescriptorsFrom = append(params.IncludeDescriptorsFrom, p.Path)
		}
	}

	if err := r.Signer.MakeVbmetaImage(ctx, params); err != nil {
		return err
	}
	if _, err := os.Stat(params.Output); err != nil {
		return fmt.Errorf("make_vbmeta_image left no %s: %w", vbmetaScratch, err)
	}
	if err := os.Rename(params.Output, original); err != nil {
		return err
	}

	klog.Infof("%s rebuilt", vbmetaImage)
	return nil
}

// checkLibavbVersions warns when a partition declares a newer minimum
// libavb than the vbmeta image it will be folded into; such a
// combination may not verify on older bootloaders.
func (r *Rebuilder) checkLibavbVersions(vbmeta *avb.ImageInfo, regular []partitionState) {
	base, err := vbmeta.LibavbVersion()
	if err != nil {
		return
	}
	for _, p := range regular {
		if p.info == nil {
			continue
		}
		v, err := p.info.LibavbVersion()
		if err != nil {
			continue
		}
		if base.LessThan(*v) {
			klog.Warningf("%s requires libavb %s, newer than vbmeta's %s", p.Name, v, base)
		}
	}
}
