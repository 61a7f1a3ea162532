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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/avb-tools/avbrebuild/internal/avb"
)

// Plan holds the parameters for re-adding one partition's footer,
// derived from its current metadata immediately before signing.
type Plan struct {
	Partition     string
	ImagePath     string
	PartitionSize uint64
	Algorithm     string
	// Salt to pass through; empty lets avbtool generate one.
	Salt          string
	RollbackIndex string
	Props         []string
	Chained       bool
}

// planChained keeps the partition's own algorithm and rollback index.
// The salt is reused verbatim when requested, except that an all-zero
// salt is dropped so a fresh one gets minted instead of persisting a
// degenerate value.
func planChained(p PartitionImage, info *avb.ImageInfo, reuseSalt bool) (*Plan, error) {
	size, err := info.PartitionSize()
	if err != nil {
		return nil, fmt.Errorf("unable to get size of partition %s: %w", p.Name, err)
	}

	rollback := info.RollbackIndex
	if rollback == "" {
		rollback = "0"
	}

	plan := &Plan{
		Partition:     p.Name,
		ImagePath:     p.Path,
		PartitionSize: size,
		Algorithm:     info.Algorithm,
		RollbackIndex: rollback,
		Chained:       true,
	}

	if hash, ok := info.HashDescriptor(p.Name); ok && reuseSalt && !zeroSalt(hash.Salt) {
		klog.Infof("Reusing original salt for %s", p.Name)
		plan.Salt = hash.Salt
	}

	for _, prop := range info.Props() {
		if prop.Key != "" && prop.Value != "" {
			klog.Infof("Keeping property on %s: %s = %s", p.Name, prop.Key, prop.Value)
			plan.Props = append(plan.Props, prop.Key+":"+prop.Value)
		}
	}

	return plan, nil
}

// planRegular targets footer algorithm NONE: the partition's real
// protection is the digest folded into the vbmeta image. A reused
// sha256 hash algorithm translates to NONE at the footer layer; a
// reused all-zero salt is forwarded as-is. The regular path always
// passes an explicit salt, generating a fresh random one when nothing
// is reusable.
func planRegular(p PartitionImage, info *avb.ImageInfo, reuseSalt bool) (*Plan, error) {
	if info == nil {
		return nil, fmt.Errorf("unable to get size of partition %s: %w", p.Name, avb.ErrNotPresent)
	}
	size, err := info.PartitionSize()
	if err != nil {
		return nil, fmt.Errorf("unable to get size of partition %s: %w", p.Name, err)
	}

	plan := &Plan{
		Partition:     p.Name,
		ImagePath:     p.Path,
		PartitionSize: size,
		Algorithm:     noAlgorithm,
	}

	if hash, ok := info.HashDescriptor(p.Name); ok && reuseSalt {
		plan.Salt = hash.Salt
		algorithm := hash.HashAlgorithm
		if algorithm == "" {
			algorithm = "sha256"
		}
		algorithm = strings.ToUpper(algorithm)
		if algorithm == "SHA256" {
			algorithm = noAlgorithm
		}
		plan.Algorithm = algorithm
	}

	for _, prop := range info.Props() {
		plan.Props = append(plan.Props, prop.Key+":"+prop.Value)
	}

	if plan.Salt == "" {
		salt, err := newSalt()
		if err != nil {
			return nil, fmt.Errorf("salt generation for %s: %w", p.Name, err)
		}
		klog.Infof("Generated new salt for %s", p.Name)
		plan.Salt = salt
	}

	return plan, nil
}

// newSalt returns 32 random bytes hex encoded (64 characters), the
// width avbtool uses for sha256 salts.
func newSalt() (string, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt), nil
}

// zeroSalt reports whether the salt carries no entropy at all: empty,
// or nothing but zero digits.
func zeroSalt(salt string) bool {
	for _, c := range salt {
		if c != '0' {
			return false
		}
	}
	return true
}
