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

// Package avb holds the data model for Android Verified Boot image
// metadata, and the parser turning avbtool's info_image report into it.
package avb

import (
	"errors"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// ImageInfo is a parsed snapshot of the AVB metadata reported for one
// image. Scalar fields hold the raw text captured from the report; the
// empty string means the field was absent. Absent is never conflated
// with zero: callers needing numbers go through the typed accessors.
type ImageInfo struct {
	// Algorithm is the vbmeta signing algorithm, e.g. SHA256_RSA4096,
	// or "NONE" for an unsigned vbmeta struct.
	Algorithm         string
	RollbackIndex     string
	Flags             string
	ImageSize         string
	OriginalImageSize string
	MinLibavbVersion  string

	// Descriptors in report order.
	Descriptors []Descriptor
}

// ErrNotPresent is returned by accessors for fields the report did not
// contain.
var ErrNotPresent = errors.New("field not present in image metadata")

// PartitionSize returns the image size as a number. For images with a
// footer this is the full partition size, which is what add_hash_footer
// wants back.
func (i *ImageInfo) PartitionSize() (uint64, error) {
	if i.ImageSize == "" {
		return 0, ErrNotPresent
	}
	return strconv.ParseUint(i.ImageSize, 10, 64)
}

// LibavbVersion returns the minimum libavb version the image declares.
// avbtool reports MAJOR.MINOR; the missing patch level is taken as zero.
func (i *ImageInfo) LibavbVersion() (*semver.Version, error) {
	if i.MinLibavbVersion == "" {
		return nil, ErrNotPresent
	}
	v := i.MinLibavbVersion
	if strings.Count(v, ".") == 1 {
		v += ".0"
	}
	return semver.NewVersion(v)
}

// HashDescriptor returns the hash descriptor for the named partition.
// Partition-scoped descriptors match by name, not position.
func (i *ImageInfo) HashDescriptor(partition string) (HashDescriptor, bool) {
	for _, d := range i.Descriptors {
		if h, ok := d.(HashDescriptor); ok && h.PartitionName == partition {
			return h, true
		}
	}
	return HashDescriptor{}, false
}

// Props returns all property descriptors in report order.
func (i *ImageInfo) Props() []PropDescriptor {
	var props []PropDescriptor
	for _, d := range i.Descriptors {
		if p, ok := d.(PropDescriptor); ok {
			props = append(props, p)
		}
	}
	return props
}

// Descriptor is one typed metadata record embedded in an image or
// vbmeta struct.
type Descriptor interface {
	isDescriptor()
}

// HashDescriptor protects a whole-partition digest.
type HashDescriptor struct {
	ImageSize     string
	HashAlgorithm string
	PartitionName string
	Salt          string
	Digest        string
	Flags         string
}

// HashtreeDescriptor protects a dm-verity hash tree.
type HashtreeDescriptor struct {
	ImageSize     string
	HashAlgorithm string
	PartitionName string
	Salt          string
	RootDigest    string
	Flags         string
	TreeOffset    string
	TreeSize      string
	DataBlockSize string
	HashBlockSize string
}

// ChainDescriptor delegates verification of a partition to its own
// embedded signature, pinned by public key fingerprint.
type ChainDescriptor struct {
	PartitionName         string
	RollbackIndexLocation string
	PublicKeySHA1         string
	Flags                 string
}

// PropDescriptor is a free-form key/value property.
type PropDescriptor struct {
	Key   string
	Value string
}

func (HashDescriptor) isDescriptor()     {}
func (HashtreeDescriptor) isDescriptor() {}
func (ChainDescriptor) isDescriptor()    {}
func (PropDescriptor) isDescriptor()     {}
