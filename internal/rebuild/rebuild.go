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

// Package rebuild classifies boot-chain partition images and drives
// the footer and vbmeta regeneration sequence against an external
// signer.
package rebuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/avb-tools/avbrebuild/internal/avb"
	"github.com/avb-tools/avbrebuild/internal/avbtool"
	"github.com/avb-tools/avbrebuild/internal/keyring"
)

const vbmetaImage = "vbmeta.img"

var (
	// ErrMissingVbmeta is fatal before any image is mutated: regular
	// partitions can only be protected through the vbmeta image.
	ErrMissingVbmeta = errors.New("regular partitions present but vbmeta.img missing")
	// ErrNoChained means chained-only mode found nothing it can process.
	ErrNoChained = errors.New("no chained partitions found in chained mode")
	// ErrNothingRebuilt means every partition rebuild failed.
	ErrNothingRebuilt = errors.New("no partitions were successfully rebuilt")
)

// Signer abstracts the avbtool operations the rebuilder drives.
type Signer interface {
	Report(ctx context.Context, image string) (string, error)
	Info(ctx context.Context, image string) (*avb.ImageInfo, error)
	EraseFooter(ctx context.Context, image string) error
	AddHashFooter(ctx context.Context, image string, p avbtool.FooterParams) error
	MakeVbmetaImage(ctx context.Context, p avbtool.VbmetaParams) error
}

// Progress receives rebuild loop updates, e.g. for a progress bar.
type Progress interface {
	Start(total int)
	Increment()
	Finish()
}

// Rebuilder owns one end-to-end rebuild run over a working directory.
type Rebuilder struct {
	Signer  Signer
	Keys    *keyring.Keyring
	WorkDir string
	// ReuseSalt keeps the salts found in the current metadata instead
	// of generating fresh ones.
	ReuseSalt bool
	// ChainedOnly processes only independently signed partitions and
	// drops the vbmeta.img requirement.
	ChainedOnly bool
	// Progress is optional.
	Progress Progress
}

// Result summarises a rebuild run.
type Result struct {
	Succeeded     int
	Failed        []string
	VbmetaRebuilt bool
}

// Print renders a human-readable run summary.
func (r *Result) Print() string {
	var out bytes.Buffer

	fmt.Fprintf(&out, "Partitions rebuilt .....: %d\n", r.Succeeded)
	fmt.Fprintf(&out, "Partitions failed ......: %d\n", len(r.Failed))
	fmt.Fprintf(&out, "vbmeta regenerated .....: %v", r.VbmetaRebuilt)

	return out.String()
}

type partitionState struct {
	PartitionImage
	info *avb.ImageInfo
}

// Run executes the full sequence: discover, classify, erase and
// rebuild each partition, rebuild the vbmeta image, verify. A single
// partition's failure is recorded and the run continues; configuration
// problems (no key, missing vbmeta.img, nothing discovered) abort
// before or without partial work where possible.
func (r *Rebuilder) Run(ctx context.Context, requested []string) (*Result, error) {
	partitions, err := Discover(r.WorkDir, requested)
	if err != nil {
		return nil, err
	}

	var chained, regular []partitionState
	for _, p := range partitions {
		info, err := r.Signer.Info(ctx, p.Path)
		if err != nil {
			klog.Warningf("Unable to read metadata for %s: %v", p.Name, err)
			info = nil
		}
		if Classify(info) == Chained {
			klog.Infof("%s is a chained partition, algorithm: %s, rollback index: %s",
				p.Name, info.Algorithm, info.RollbackIndex)
			chained = append(chained, partitionState{p, info})
		} else {
			klog.Infof("%s is a regular partition", p.Name)
			regular = append(regular, partitionState{p, info})
		}
	}

	if r.ChainedOnly {
		if len(regular) > 0 {
			for _, p := range regular {
				klog.Warningf("Skipping regular partition %s in chained mode", p.Name)
			}
			regular = nil
		}
		if len(chained) == 0 {
			return nil, ErrNoChained
		}
	} else if len(regular) > 0 {
		if _, err := os.Stat(filepath.Join(r.WorkDir, vbmetaImage)); err != nil {
			return nil, fmt.Errorf("%w (rerun with chained mode to process only chained partitions)", ErrMissingVbmeta)
		}
	}

	if r.Progress != nil {
		r.Progress.Start(len(chained) + len(regular))
	}

	result := &Result{}
	for _, group := range [][]partitionState{chained, regular} {
		for _, p := range group {
			err := r.rebuildPartition(ctx, p)
			switch {
			case err == nil:
				result.Succeeded++
			case errors.Is(err, keyring.ErrNoKey), errors.Is(err, keyring.ErrUnsupportedAlgorithm):
				// Configuration class: carrying on would produce
				// unverifiable images.
				return nil, err
			default:
				klog.Errorf("Rebuild of %s failed: %v", p.Name, err)
				result.Failed = append(result.Failed, p.Name)
			}
			if r.Progress != nil {
				r.Progress.Increment()
			}
		}
	}
	if r.Progress != nil {
		r.Progress.Finish()
	}

	if len(regular) > 0 && !r.ChainedOnly {
		if err := r.rebuildVbmeta(ctx, regular); err != nil {
			klog.Warningf("vbmeta rebuild failed, rebuilt partitions remain valid: %v", err)
		} else {
			result.VbmetaRebuilt = true
		}
	}

	if result.Succeeded == 0 {
		return nil, ErrNothingRebuilt
	}

	r.Verify(ctx)
	return result, nil
}

// rebuildPartition erases the partition's footer and re-adds it per
// its plan. The old footer must go first: avbtool cannot overwrite a
// footer with different size or content in place.
func (r *Rebuilder) rebuildPartition(ctx context.Context, p partitionState) error {
	klog.Infof("Rebuilding %s partition %s", Classify(p.info), p.Name)

	var plan *Plan
	var err error
	if Classify(p.info) == Chained {
		plan, err = planChained(p.PartitionImage, p.info, r.ReuseSalt)
	} else {
		plan, err = planRegular(p.PartitionImage, p.info, r.ReuseSalt)
	}
	if err != nil {
		return err
	}

	params := avbtool.FooterParams{
		PartitionName: plan.Partition,
		PartitionSize: plan.PartitionSize,
		Algorithm:     plan.Algorithm,
		RollbackIndex: plan.RollbackIndex,
		Salt:          plan.Salt,
		Props:         plan.Props,
	}
	if plan.Chained {
		key, err := r.Keys.ForAlgorithm(plan.Algorithm)
		if err != nil {
			return err
		}
		params.Key = key
	}

	// Erasing an already-bare image fails inside avbtool; harmless.
	if err := r.Signer.EraseFooter(ctx, plan.ImagePath); err != nil {
		klog.V(1).Infof("erase_footer %s: %v", plan.Partition, err)
	}

	if err := r.Signer.AddHashFooter(ctx, plan.ImagePath, params); err != nil {
		return fmt.Errorf("add_hash_footer for %s: %w", plan.Partition, err)
	}

	klog.Infof("Partition %s rebuilt", plan.Partition)
	return nil
}

// Verify reparses and prints the metadata of the vbmeta image (when
// present) and every detected partition image. Informational only.
func (r *Rebuilder) Verify(ctx context.Context) {
	vbmeta := filepath.Join(r.WorkDir, vbmetaImage)
	if _, err := os.Stat(vbmeta); err == nil {
		r.printReport(ctx, vbmetaImage, vbmeta)
	} else {
		klog.Infof("%s not present (chained-only layout)", vbmetaImage)
	}

	partitions, err := Discover(r.WorkDir, nil)
	if err != nil {
		klog.Warningf("Nothing to verify: %v", err)
		return
	}
	for _, p := range partitions {
		r.printReport(ctx, p.Name+imgSuffix, p.Path)
	}
}

func (r *Rebuilder) printReport(ctx context.Context, label, path string) {
	report, err := r.Signer.Report(ctx, path)
	if err != nil {
		klog.Warningf("Unable to read metadata for %s: %v", label, err)
		return
	}
	klog.Infof("%s metadata:\n%s", label, report)
}
