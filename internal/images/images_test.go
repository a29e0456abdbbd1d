package images

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/guest"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/sim"
	"github.com/tinyrange/vmm/internal/mm"
)

const ramBase = 0x4000_0000

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newVM(t *testing.T, id int, kernel config.KernelConfig) *guest.Machine {
	t.Helper()
	pool, err := mm.NewPool(0x8000_0000, 4)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	kernel.MemoryRegions = []config.MemoryRegion{{GPA: ramBase, Size: 0x2000}}
	cfg := &config.VMConfig{Base: config.BaseConfig{ID: id}, Kernel: kernel}
	cfg.ApplyDefaults()

	vm, err := guest.New(cfg, guest.Options{Memory: pool, Backend: sim.New(nil, quiet), Logger: quiet})
	if err != nil {
		t.Fatalf("guest.New: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAll(t *testing.T) {
	kernel := bytes.Repeat([]byte{0xd5, 0x03, 0x20, 0x1f}, 0x600)
	dtb := []byte("\xd0\x0d\xfe\xedfake device tree")

	a := newVM(t, 1, config.KernelConfig{
		KernelPath:     writeFile(t, "Image", kernel),
		KernelLoadAddr: ramBase,
		DTBPath:        writeFile(t, "board.dtb", dtb),
		DTBLoadAddr:    ramBase + 0x1800,
	})
	b := newVM(t, 2, config.KernelConfig{
		KernelPath:     writeFile(t, "Image", kernel[:0x100]),
		KernelLoadAddr: ramBase + 0x1000,
		EntryPoint:     ramBase + 0x1040,
	})

	if err := LoadAll(context.Background(), []hv.VirtualMachine{a, b}, Options{Logger: quiet}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	got := make([]byte, len(kernel))
	if _, err := a.ReadAt(got, ramBase); err != nil {
		t.Fatalf("ReadAt kernel: %v", err)
	}
	if !bytes.Equal(got, kernel) {
		t.Fatal("VM 1 kernel differs from the image file")
	}
	got = make([]byte, len(dtb))
	if _, err := a.ReadAt(got, ramBase+0x1800); err != nil {
		t.Fatalf("ReadAt dtb: %v", err)
	}
	if !bytes.Equal(got, dtb) {
		t.Fatalf("VM 1 dtb=%q, want %q", got, dtb)
	}

	va, _ := a.VCpu(0)
	if got := va.(*guest.VCpu).Entry(); got != ramBase {
		t.Fatalf("VM 1 entry=%v, want kernel load address", got)
	}
	vb, _ := b.VCpu(0)
	if got := vb.(*guest.VCpu).Entry(); got != ramBase+0x1040 {
		t.Fatalf("VM 2 entry=%v, want configured entry point", got)
	}
}

func TestLoadAllMissingFile(t *testing.T) {
	vm := newVM(t, 1, config.KernelConfig{
		KernelPath:     filepath.Join(t.TempDir(), "missing"),
		KernelLoadAddr: ramBase,
	})
	err := LoadAll(context.Background(), []hv.VirtualMachine{vm}, Options{Logger: quiet})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("LoadAll err=%v, want %v", err, fs.ErrNotExist)
	}
}

func TestLoadAllOutsideRAM(t *testing.T) {
	vm := newVM(t, 1, config.KernelConfig{
		KernelPath:     writeFile(t, "Image", make([]byte, 0x1000)),
		KernelLoadAddr: ramBase + 0x1800,
	})
	if err := LoadAll(context.Background(), []hv.VirtualMachine{vm}, Options{Logger: quiet}); err == nil {
		t.Fatal("LoadAll past the end of RAM succeeded")
	}
}

func TestLoadAllCancelled(t *testing.T) {
	vm := newVM(t, 1, config.KernelConfig{
		KernelPath:     writeFile(t, "Image", make([]byte, 0x100)),
		KernelLoadAddr: ramBase,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := LoadAll(ctx, []hv.VirtualMachine{vm}, Options{Logger: quiet}); !errors.Is(err, context.Canceled) {
		t.Fatalf("LoadAll err=%v, want %v", err, context.Canceled)
	}
}
