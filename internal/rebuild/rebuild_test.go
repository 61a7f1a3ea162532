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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/avb-tools/avbrebuild/internal/avb"
	"github.com/avb-tools/avbrebuild/internal/avbtool"
	"github.com/avb-tools/avbrebuild/internal/keyring"
)

// fakeSigner records avbtool invocations, keyed by image base name.
type fakeSigner struct {
	infos     map[string]*avb.ImageInfo
	infoErr   map[string]error
	addErr    map[string]error
	vbmetaErr error

	erased  []string
	footers map[string]avbtool.FooterParams
	vbmeta  []avbtool.VbmetaParams
}

func (f *fakeSigner) Report(_ context.Context, image string) (string, error) {
	if _, err := f.Info(context.Background(), image); err != nil {
		return "", err
	}
	return "metadata report for " + filepath.Base(image), nil
}

func (f *fakeSigner) Info(_ context.Context, image string) (*avb.ImageInfo, error) {
	name := filepath.Base(image)
	if err := f.infoErr[name]; err != nil {
		return nil, err
	}
	info, ok := f.infos[name]
	if !ok {
		return nil, avbtool.ErrNoOutput
	}
	return info, nil
}

func (f *fakeSigner) EraseFooter(_ context.Context, image string) error {
	f.erased = append(f.erased, filepath.Base(image))
	return nil
}

func (f *fakeSigner) AddHashFooter(_ context.Context, image string, p avbtool.FooterParams) error {
	name := filepath.Base(image)
	if err := f.addErr[name]; err != nil {
		return err
	}
	if f.footers == nil {
		f.footers = map[string]avbtool.FooterParams{}
	}
	f.footers[name] = p
	return nil
}

func (f *fakeSigner) MakeVbmetaImage(_ context.Context, p avbtool.VbmetaParams) error {
	if f.vbmetaErr != nil {
		return f.vbmetaErr
	}
	f.vbmeta = append(f.vbmeta, p)
	return os.WriteFile(p.Output, []byte("rebuilt vbmeta"), 0o644)
}

func detectKeys(t *testing.T, dir string) *keyring.Keyring {
	t.Helper()
	pem := filepath.Join(dir, "tools", "pem")
	if err := os.MkdirAll(pem, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for _, name := range []string{"testkey_rsa4096.pem", "testkey_rsa2048.pem"} {
		if err := os.WriteFile(filepath.Join(pem, name), []byte("key"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	keys, err := keyring.Detect(dir)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	return keys
}

func regularBootInfo() *avb.ImageInfo {
	return &avb.ImageInfo{
		Algorithm: "NONE",
		ImageSize: "100663296",
		Descriptors: []avb.Descriptor{
			avb.HashDescriptor{
				PartitionName: "boot",
				HashAlgorithm: "sha256",
				Salt:          "deadbeef",
			},
		},
	}
}

func vbmetaInfo() *avb.ImageInfo {
	return &avb.ImageInfo{
		Algorithm:        "SHA256_RSA4096",
		RollbackIndex:    "2",
		Flags:            "0",
		MinLibavbVersion: "1.0",
	}
}

func TestRunRegularPartitionRebuildsVbmeta(t *testing.T) {
	dir := newWorkDir(t, "boot.img", "vbmeta.img")
	signer := &fakeSigner{infos: map[string]*avb.ImageInfo{
		"boot.img":   regularBootInfo(),
		"vbmeta.img": vbmetaInfo(),
	}}
	r := &Rebuilder{Signer: signer, Keys: detectKeys(t, dir), WorkDir: dir, ReuseSalt: true}

	result, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := result.Succeeded, 1; got != want {
		t.Errorf("Succeeded: got %d, want %d", got, want)
	}
	if !result.VbmetaRebuilt {
		t.Error("vbmeta not rebuilt")
	}

	if diff := cmp.Diff([]string{"boot.img"}, signer.erased); diff != "" {
		t.Errorf("erased: diff (-want +got):\n%s", diff)
	}

	footer, ok := signer.footers["boot.img"]
	if !ok {
		t.Fatal("no footer added to boot.img")
	}
	wantFooter := avbtool.FooterParams{
		PartitionName: "boot",
		PartitionSize: 100663296,
		Algorithm:     "NONE",
		Salt:          "deadbeef",
	}
	if diff := cmp.Diff(wantFooter, footer); diff != "" {
		t.Errorf("footer: diff (-want +got):\n%s", diff)
	}

	if got, want := len(signer.vbmeta), 1; got != want {
		t.Fatalf("got %d vbmeta builds, want %d", got, want)
	}
	vp := signer.vbmeta[0]
	wantVbmeta := avbtool.VbmetaParams{
		Output:                filepath.Join(dir, "vbmeta_new.img"),
		Algorithm:             "SHA256_RSA4096",
		Key:                   filepath.Join(dir, "tools", "pem", "testkey_rsa4096.pem"),
		RollbackIndex:         "2",
		Flags:                 "0",
		RollbackIndexLocation: "0",
		PaddingSize:           "4096",
		IncludeDescriptorsFrom: []string{
			filepath.Join(dir, "vbmeta.img"),
			filepath.Join(dir, "boot.img"),
		},
	}
	if diff := cmp.Diff(wantVbmeta, vp); diff != "" {
		t.Errorf("vbmeta params: diff (-want +got):\n%s", diff)
	}

	// The scratch image atomically replaced the original.
	if _, err := os.Stat(filepath.Join(dir, "vbmeta_new.img")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("vbmeta_new.img still present: %v", err)
	}
	replaced, err := os.ReadFile(filepath.Join(dir, "vbmeta.img"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, want := string(replaced), "rebuilt vbmeta"; got != want {
		t.Errorf("vbmeta.img content: got %q, want %q", got, want)
	}
}

func TestRunChainedOnly(t *testing.T) {
	dir := newWorkDir(t, "init_boot.img")
	signer := &fakeSigner{infos: map[string]*avb.ImageInfo{
		"init_boot.img": {
			Algorithm:     "SHA256_RSA2048",
			RollbackIndex: "7",
			ImageSize:     "8388608",
			Descriptors: []avb.Descriptor{
				avb.HashDescriptor{
					PartitionName: "init_boot",
					HashAlgorithm: "sha256",
					Salt:          "c0ffee",
				},
			},
		},
	}}
	r := &Rebuilder{Signer: signer, Keys: detectKeys(t, dir), WorkDir: dir, ReuseSalt: true, ChainedOnly: true}

	result, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := result.Succeeded, 1; got != want {
		t.Errorf("Succeeded: got %d, want %d", got, want)
	}
	if result.VbmetaRebuilt {
		t.Error("vbmeta step attempted in chained mode")
	}
	if len(signer.vbmeta) != 0 {
		t.Errorf("make_vbmeta_image invoked %d times, want 0", len(signer.vbmeta))
	}

	footer := signer.footers["init_boot.img"]
	if got, want := footer.Algorithm, "SHA256_RSA2048"; got != want {
		t.Errorf("Algorithm: got %q, want %q", got, want)
	}
	if got, want := footer.RollbackIndex, "7"; got != want {
		t.Errorf("RollbackIndex: got %q, want %q", got, want)
	}
	if !strings.Contains(footer.Key, "rsa2048") {
		t.Errorf("Key %q does not match required strength", footer.Key)
	}
	if got, want := footer.Salt, "c0ffee"; got != want {
		t.Errorf("Salt: got %q, want %q", got, want)
	}
}

func TestRunRegularWithoutVbmetaFailsBeforeMutation(t *testing.T) {
	dir := newWorkDir(t, "boot.img")
	signer := &fakeSigner{infos: map[string]*avb.ImageInfo{
		"boot.img": regularBootInfo(),
	}}
	r := &Rebuilder{Signer: signer, Keys: detectKeys(t, dir), WorkDir: dir, ReuseSalt: true}

	if _, err := r.Run(context.Background(), nil); !errors.Is(err, ErrMissingVbmeta) {
		t.Fatalf("Run: got %v, want ErrMissingVbmeta", err)
	}
	if len(signer.erased) != 0 || len(signer.footers) != 0 {
		t.Error("images mutated despite missing vbmeta.img")
	}
}

func TestRunChainedOnlyWithoutChainedPartitions(t *testing.T) {
	dir := newWorkDir(t, "boot.img")
	signer := &fakeSigner{infos: map[string]*avb.ImageInfo{
		"boot.img": regularBootInfo(),
	}}
	r := &Rebuilder{Signer: signer, Keys: detectKeys(t, dir), WorkDir: dir, ChainedOnly: true}

	if _, err := r.Run(context.Background(), nil); !errors.Is(err, ErrNoChained) {
		t.Fatalf("Run: got %v, want ErrNoChained", err)
	}
}

func TestRunContinuesPastSinglePartitionFailure(t *testing.T) {
	dir := newWorkDir(t, "boot.img", "init_boot.img", "vbmeta.img")
	signer := &fakeSigner{
		infos: map[string]*avb.ImageInfo{
			"boot.img": regularBootInfo(),
			"init_boot.img": {
				Algorithm: "NONE",
				ImageSize: "8388608",
			},
			"vbmeta.img": vbmetaInfo(),
		},
		addErr: map[string]error{"init_boot.img": errors.New("signer exploded")},
	}
	r := &Rebuilder{Signer: signer, Keys: detectKeys(t, dir), WorkDir: dir, ReuseSalt: true}

	result, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := result.Succeeded, 1; got != want {
		t.Errorf("Succeeded: got %d, want %d", got, want)
	}
	if diff := cmp.Diff([]string{"init_boot"}, result.Failed); diff != "" {
		t.Errorf("Failed: diff (-want +got):\n%s", diff)
	}
}

func TestRunAllPartitionsFailing(t *testing.T) {
	dir := newWorkDir(t, "boot.img", "vbmeta.img")
	signer := &fakeSigner{
		infos: map[string]*avb.ImageInfo{
			"boot.img":   regularBootInfo(),
			"vbmeta.img": vbmetaInfo(),
		},
		addErr: map[string]error{"boot.img": errors.New("signer exploded")},
	}
	r := &Rebuilder{Signer: signer, Keys: detectKeys(t, dir), WorkDir: dir, ReuseSalt: true}

	if _, err := r.Run(context.Background(), nil); !errors.Is(err, ErrNothingRebuilt) {
		t.Fatalf("Run: got %v, want ErrNothingRebuilt", err)
	}
}

func TestRunUnreadableMetadataIsRecoverable(t *testing.T) {
	dir := newWorkDir(t, "boot.img", "init_boot.img", "vbmeta.img")
	signer := &fakeSigner{
		infos: map[string]*avb.ImageInfo{
			"boot.img":   regularBootInfo(),
			"vbmeta.img": vbmetaInfo(),
		},
		infoErr: map[string]error{"init_boot.img": errors.New("info_image failed")},
	}
	r := &Rebuilder{Signer: signer, Keys: detectKeys(t, dir), WorkDir: dir, ReuseSalt: true}

	result, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := result.Succeeded, 1; got != want {
		t.Errorf("Succeeded: got %d, want %d", got, want)
	}
	if diff := cmp.Diff([]string{"init_boot"}, result.Failed); diff != "" {
		t.Errorf("Failed: diff (-want +got):\n%s", diff)
	}
}

func TestRunUnsupportedAlgorithmAborts(t *testing.T) {
	dir := newWorkDir(t, "boot.img")
	signer := &fakeSigner{infos: map[string]*avb.ImageInfo{
		"boot.img": {
			Algorithm: "SHA256_ECDSA",
			ImageSize: "100663296",
		},
	}}
	r := &Rebuilder{Signer: signer, Keys: detectKeys(t, dir), WorkDir: dir, ChainedOnly: true}

	if _, err := r.Run(context.Background(), nil); !errors.Is(err, keyring.ErrUnsupportedAlgorithm) {
		t.Fatalf("Run: got %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestRunVbmetaFailureIsWarningOnly(t *testing.T) {
	dir := newWorkDir(t, "boot.img", "vbmeta.img")
	signer := &fakeSigner{
		infos: map[string]*avb.ImageInfo{
			"boot.img":   regularBootInfo(),
			"vbmeta.img": vbmetaInfo(),
		},
		vbmetaErr: errors.New("make_vbmeta_image failed"),
	}
	r := &Rebuilder{Signer: signer, Keys: detectKeys(t, dir), WorkDir: dir, ReuseSalt: true}

	result, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := result.Succeeded, 1; got != want {
		t.Errorf("Succeeded: got %d, want %d", got, want)
	}
	if result.VbmetaRebuilt {
		t.Error("VbmetaRebuilt set despite failure")
	}
}

func TestResultPrint(t *testing.T) {
	result := &Result{Succeeded: 2, Failed: []string{"boot"}, VbmetaRebuilt: true}
	out := result.Print()
	for _, want := range []string{"2", "1", "true"} {
		if !strings.Contains(out, want) {
			t.Errorf("Print() missing %q:\n%s", want, out)
		}
	}
}
