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

package avb

import "regexp"

// All pattern matching against the info_image text format lives in this
// file, so a future machine-readable report only touches this package.
var (
	algorithmRE    = regexp.MustCompile(`Algorithm:\s+(\S+)`)
	rollbackRE     = regexp.MustCompile(`Rollback Index:\s+(\d+)`)
	flagsRE        = regexp.MustCompile(`Flags:\s+(\d+)`)
	imageSizeRE    = regexp.MustCompile(`Image size:\s+(\d+) bytes`)
	originalSizeRE = regexp.MustCompile(`Original image size:\s+(\d+) bytes`)
	minLibavbRE    = regexp.MustCompile(`Minimum libavb version:\s+(\d+\.\d+)`)

	// Descriptor blocks start with a four-space indented type label;
	// each block's body runs until the next label or end of report.
	descriptorRE = regexp.MustCompile(`    (Hash descriptor|Hashtree descriptor|Chain Partition descriptor|Prop):`)

	descSizeRE      = regexp.MustCompile(`Image Size:\s+(\d+) bytes`)
	hashAlgorithmRE = regexp.MustCompile(`Hash Algorithm:\s+(\S+)`)
	partitionRE     = regexp.MustCompile(`Partition Name:\s+(\S+)`)
	saltRE          = regexp.MustCompile(`Salt:\s+([a-fA-F0-9]+)`)
	digestRE        = regexp.MustCompile(`Digest:\s+([a-fA-F0-9]+)`)
	rootDigestRE    = regexp.MustCompile(`Root Digest:\s+([a-fA-F0-9]+)`)
	treeOffsetRE    = regexp.MustCompile(`Tree Offset:\s+(\d+)`)
	treeSizeRE      = regexp.MustCompile(`Tree Size:\s+(\d+) bytes`)
	dataBlockRE     = regexp.MustCompile(`Data Block Size:\s+(\d+) bytes`)
	hashBlockRE     = regexp.MustCompile(`Hash Block Size:\s+(\d+) bytes`)
	rollbackLocRE   = regexp.MustCompile(`Rollback Index Location:\s+(\d+)`)
	publicKeyRE     = regexp.MustCompile(`Public key \(sha1\):\s+([a-fA-F0-9]+)`)
	propRE          = regexp.MustCompile(`(\S+)\s+->\s+'([^']*)'`)
)

// ParseInfo parses the text report produced by avbtool info_image.
// Every field is optional: anything the report does not contain, or
// contains in an unexpected shape, is left absent rather than failing
// the parse.
func ParseInfo(report string) *ImageInfo {
	return &ImageInfo{
		Algorithm:         firstMatch(algorithmRE, report),
		RollbackIndex:     firstMatch(rollbackRE, report),
		Flags:             firstMatch(flagsRE, report),
		ImageSize:         firstMatch(imageSizeRE, report),
		OriginalImageSize: firstMatch(originalSizeRE, report),
		MinLibavbVersion:  firstMatch(minLibavbRE, report),
		Descriptors:       parseDescriptors(report),
	}
}

func firstMatch(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

func parseDescriptors(report string) []Descriptor {
	labels := descriptorRE.FindAllStringSubmatchIndex(report, -1)

	var descriptors []Descriptor
	for i, m := range labels {
		label := report[m[2]:m[3]]

		body := report[m[1]:]
		if i+1 < len(labels) {
			body = report[m[1]:labels[i+1][0]]
		}

		switch label {
		case "Hash descriptor":
			descriptors = append(descriptors, parseHashDescriptor(body))
		case "Hashtree descriptor":
			descriptors = append(descriptors, parseHashtreeDescriptor(body))
		case "Chain Partition descriptor":
			descriptors = append(descriptors, parseChainDescriptor(body))
		case "Prop":
			descriptors = append(descriptors, parsePropDescriptor(body))
		}
	}
	return descriptors
}

func parseHashDescriptor(body string) HashDescriptor {
	return HashDescriptor{
		ImageSize:     firstMatch(descSizeRE, body),
		HashAlgorithm: firstMatch(hashAlgorithmRE, body),
		PartitionName: firstMatch(partitionRE, body),
		Salt:          firstMatch(saltRE, body),
		Digest:        firstMatch(digestRE, body),
		Flags:         firstMatch(flagsRE, body),
	}
}

func parseHashtreeDescriptor(body string) HashtreeDescriptor {
	return HashtreeDescriptor{
		ImageSize:     firstMatch(descSizeRE, body),
		HashAlgorithm: firstMatch(hashAlgorithmRE, body),
		PartitionName: firstMatch(partitionRE, body),
		Salt:          firstMatch(saltRE, body),
		RootDigest:    firstMatch(rootDigestRE, body),
		Flags:         firstMatch(flagsRE, body),
		TreeOffset:    firstMatch(treeOffsetRE, body),
		TreeSize:      firstMatch(treeSizeRE, body),
		DataBlockSize: firstMatch(dataBlockRE, body),
		HashBlockSize: firstMatch(hashBlockRE, body),
	}
}

func parseChainDescriptor(body string) ChainDescriptor {
	return ChainDescriptor{
		PartitionName:         firstMatch(partitionRE, body),
		RollbackIndexLocation: firstMatch(rollbackLocRE, body),
		PublicKeySHA1:         firstMatch(publicKeyRE, body),
		Flags:                 firstMatch(flagsRE, body),
	}
}

func parsePropDescriptor(body string) PropDescriptor {
	if m := propRE.FindStringSubmatch(body); m != nil {
		return PropDescriptor{Key: m[1], Value: m[2]}
	}
	return PropDescriptor{}
}
