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

// Package avbtool drives the external avbtool as a subprocess for the
// four operations the rebuilder needs: reporting image metadata,
// erasing a footer, adding a hash footer and building a vbmeta image.
package avbtool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"k8s.io/klog/v2"

	"github.com/avb-tools/avbrebuild/internal/avb"
)

const defaultPython = "python3"

// ErrNoOutput signals that avbtool exited cleanly but printed nothing,
// which the metadata parser cannot work with.
var ErrNoOutput = errors.New("avbtool produced no output")

// Tool is a resolved avbtool invocation.
type Tool struct {
	argv []string
}

// New resolves how to invoke avbtool. cmdline is either a path to the
// tool or a full command, e.g. "python3 /x/avbtool.py"; empty selects
// tools/avbtool.py under workDir. Paths ending in .py are run through
// the python interpreter (default python3). The named tool must exist;
// a rebuild run cannot start without it.
func New(cmdline, workDir, python string) (*Tool, error) {
	if python == "" {
		python = defaultPython
	}
	if cmdline == "" {
		cmdline = filepath.Join(workDir, "tools", "avbtool.py")
	}

	argv := []string{cmdline}
	if strings.ContainsAny(cmdline, " \t") {
		split, err := shlex.Split(cmdline)
		if err != nil {
			return nil, fmt.Errorf("malformed avbtool command %q: %w", cmdline, err)
		}
		if len(split) == 0 {
			return nil, fmt.Errorf("empty avbtool command %q", cmdline)
		}
		argv = split
	}

	if strings.HasSuffix(argv[0], ".py") {
		argv = append([]string{python}, argv...)
	}

	// The script (or binary) is the last element for python
	// invocations and the only element otherwise.
	tool := argv[len(argv)-1]
	if _, err := os.Stat(tool); err != nil {
		if _, lerr := exec.LookPath(tool); lerr != nil {
			return nil, fmt.Errorf("avbtool not found at %s: %w", tool, err)
		}
	}

	return &Tool{argv: argv}, nil
}

func (t *Tool) run(ctx context.Context, args ...string) (string, error) {
	argv := append(append([]string{}, t.argv...), args...)
	klog.V(1).Infof("exec: %s", strings.Join(argv, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("avbtool %s: %w", args[0], err)
		}
		return "", fmt.Errorf("avbtool %s: %w: %s", args[0], err, msg)
	}

	klog.V(1).Infof("avbtool %s output:\n%s", args[0], stdout.String())
	return stdout.String(), nil
}

// Report returns the raw info_image text for the given image.
func (t *Tool) Report(ctx context.Context, image string) (string, error) {
	out, err := t.run(ctx, "info_image", "--image", image)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrNoOutput
	}
	return out, nil
}

// Info parses the image's metadata report. An error means the image
// could not be inspected; callers decide whether that is fatal.
func (t *Tool) Info(ctx context.Context, image string) (*avb.ImageInfo, error) {
	report, err := t.Report(ctx, image)
	if err != nil {
		return nil, err
	}
	return avb.ParseInfo(report), nil
}

// EraseFooter strips the AVB footer from the image. avbtool fails when
// no footer is present; callers treat that as a no-op.
func (t *Tool) EraseFooter(ctx context.Context, image string) error {
	_, err := t.run(ctx, "erase_footer", "--image", image)
	return err
}

// FooterParams carries the add_hash_footer arguments derived from a
// rebuild plan. Empty string fields are omitted from the command line.
type FooterParams struct {
	PartitionName string
	PartitionSize uint64
	Algorithm     string
	Key           string
	RollbackIndex string
	Salt          string
	Props         []string
}

func (p FooterParams) args(image string) []string {
	args := []string{
		"add_hash_footer",
		"--image", image,
		"--partition_name", p.PartitionName,
		"--partition_size", strconv.FormatUint(p.PartitionSize, 10),
		"--algorithm", p.Algorithm,
	}
	if p.Key != "" {
		args = append(args, "--key", p.Key)
	}
	if p.RollbackIndex != "" {
		args = append(args, "--rollback_index", p.RollbackIndex)
	}
	if p.Salt != "" {
		args = append(args, "--salt", p.Salt)
	}
	for _, prop := range p.Props {
		args = append(args, "--prop", prop)
	}
	return args
}

// AddHashFooter appends a hash footer to the image.
func (t *Tool) AddHashFooter(ctx context.Context, image string, p FooterParams) error {
	_, err := t.run(ctx, p.args(image)...)
	return err
}

// VbmetaParams carries the make_vbmeta_image arguments for rebuilding
// the top-level vbmeta image.
type VbmetaParams struct {
	Output                 string
	Algorithm              string
	Key                    string
	RollbackIndex          string
	Flags                  string
	RollbackIndexLocation  string
	PaddingSize            string
	IncludeDescriptorsFrom []string
}

func (p VbmetaParams) args() []string {
	args := []string{
		"make_vbmeta_image",
		"--output", p.Output,
		"--algorithm", p.Algorithm,
		"--key", p.Key,
		"--rollback_index", p.RollbackIndex,
		"--flags", p.Flags,
		"--rollback_index_location", p.RollbackIndexLocation,
		"--padding_size", p.PaddingSize,
	}
	for _, image := range p.IncludeDescriptorsFrom {
		args = append(args, "--include_descriptors_from_image", image)
	}
	return args
}

// MakeVbmetaImage builds a vbmeta image from the given parameters.
func (t *Tool) MakeVbmetaImage(ctx context.Context, p VbmetaParams) error {
	_, err := t.run(ctx, p.args()...)
	return err
}
