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

import "github.com/avb-tools/avbrebuild/internal/avb"

// noAlgorithm is the sentinel avbtool reports for an unsigned vbmeta
// struct, and the footer algorithm used for regular partitions.
const noAlgorithm = "NONE"

// Class says how a partition is verified.
type Class int

const (
	// Regular partitions carry no signature of their own; their hash
	// descriptor is folded into the vbmeta image.
	Regular Class = iota
	// Chained partitions embed their own signing algorithm and
	// rollback index and verify independently of the vbmeta image.
	Chained
)

func (c Class) String() string {
	if c == Chained {
		return "chained"
	}
	return "regular"
}

// Classify decides whether a partition verifies on its own or through
// the vbmeta image. Unreadable metadata (nil info) buckets as Regular;
// the rebuild step then fails recoverably for that partition since its
// size is unknown.
func Classify(info *avb.ImageInfo) Class {
	if info != nil && info.Algorithm != "" && info.Algorithm != noAlgorithm {
		return Chained
	}
	return Regular
}
