// Copyright 2024 The avbrebuild authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The avbrebuild tool regenerates AVB integrity metadata for a working
// directory of boot-chain partition images after their payloads
// changed: it re-adds each partition's hash footer and rebuilds the
// vbmeta image, driving an external avbtool for all cryptographic
// operations.
package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/avb-tools/avbrebuild/internal/avbtool"
	"github.com/avb-tools/avbrebuild/internal/keyring"
	"github.com/avb-tools/avbrebuild/internal/rebuild"
)

var (
	partitions     = flag.String("partitions", "", "Comma-separated partitions to rebuild, e.g. \"boot,init_boot\" (default: probe the working directory).")
	workingDir     = flag.String("working_dir", "", "Working directory holding the partition images (default: current directory).")
	avbtoolSpec    = flag.String("avbtool", "", "Path to avbtool, or a full command such as \"python3 /x/avbtool.py\" (default: tools/avbtool.py under the working directory).")
	python         = flag.String("python", "", "Interpreter used to run a .py avbtool (default python3).")
	privateKey     = flag.String("key", "", "Private key to sign with; overrides per-algorithm key selection.")
	regenerateSalt = flag.Bool("regenerate_salt", false, "Generate fresh salts instead of reusing the ones found in the current metadata.")
	verifyOnly     = flag.Bool("verify_only", false, "Parse and print image metadata without mutating anything.")
	chainedMode    = flag.Bool("chained", false, "Process only chained partitions; vbmeta.img is not required.")
	noProgress     = flag.Bool("no_progress", false, "Disable the progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	workDir := *workingDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			klog.Exitf("Failed to resolve working directory: %v", err)
		}
		workDir = wd
	}
	klog.Infof("Working directory: %s", workDir)

	tool, err := avbtool.New(*avbtoolSpec, workDir, *python)
	if err != nil {
		klog.Exitf("%v", err)
	}

	rebuilder := &rebuild.Rebuilder{
		Signer:      tool,
		WorkDir:     workDir,
		ReuseSalt:   !*regenerateSalt,
		ChainedOnly: *chainedMode,
	}

	if *verifyOnly {
		rebuilder.Verify(ctx)
		return
	}

	if *privateKey != "" {
		rebuilder.Keys = keyring.Fixed(*privateKey, workDir)
	} else {
		keys, err := keyring.Detect(workDir)
		if err != nil {
			klog.Exitf("%v", err)
		}
		rebuilder.Keys = keys
	}

	if !*noProgress {
		rebuilder.Progress = &progressBar{}
	}

	result, err := rebuilder.Run(ctx, splitPartitions(*partitions))
	if err != nil {
		klog.Exitf("Rebuild failed: %v", err)
	}

	klog.Infof("Rebuild completed\n%s", result.Print())
	if len(result.Failed) > 0 {
		klog.Warningf("Failed partitions: %s", strings.Join(result.Failed, ", "))
	}
}

func splitPartitions(list string) []string {
	var out []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// progressBar adapts cheggaaa/pb to the rebuild loop.
type progressBar struct {
	bar *pb.ProgressBar
}

func (p *progressBar) Start(total int) {
	p.bar = pb.StartNew(total)
}

func (p *progressBar) Increment() {
	if p.bar != nil {
		p.bar.Increment()
	}
}

func (p *progressBar) Finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}
