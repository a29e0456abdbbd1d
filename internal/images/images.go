// Package images copies the configured kernel and device tree files of each VM
// into guest memory before the VMs boot.
package images

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vmm/internal/hv"
)

// maxParallel bounds how many image files are copied at once.
const maxParallel = 4

type Options struct {
	// Progress shows a progress bar per image on stdout.
	Progress bool
	Logger   *slog.Logger
}

type image struct {
	vm   hv.VirtualMachine
	name string
	path string
	addr hv.GuestPhysAddr
}

func (img image) String() string {
	return fmt.Sprintf("VM[%d] %s", img.vm.ID(), img.name)
}

func imagesOf(vm hv.VirtualMachine) []image {
	cfg := vm.Config()
	if cfg == nil {
		return nil
	}
	var ret []image
	if cfg.Kernel.KernelPath != "" {
		ret = append(ret, image{vm: vm, name: "kernel", path: cfg.Kernel.KernelPath, addr: hv.GuestPhysAddr(cfg.Kernel.KernelLoadAddr)})
	}
	if cfg.Kernel.DTBPath != "" {
		ret = append(ret, image{vm: vm, name: "dtb", path: cfg.Kernel.DTBPath, addr: hv.GuestPhysAddr(cfg.Kernel.DTBLoadAddr)})
	}
	return ret
}

// LoadAll loads the images of every VM in parallel and points each primary
// vCPU at its kernel entry. The first failure cancels the remaining copies.
func LoadAll(ctx context.Context, vms []hv.VirtualMachine, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, vm := range vms {
		for _, img := range imagesOf(vm) {
			g.Go(func() error {
				n, err := load(ctx, img, opts.Progress)
				if err != nil {
					return err
				}
				log.Info("images: loaded", "vm", vm.ID(), "image", img.name, "addr", img.addr, "size", n)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, vm := range vms {
		if err := setEntry(vm); err != nil {
			return err
		}
	}
	return nil
}

func load(ctx context.Context, img image, progress bool) (int64, error) {
	f, err := os.Open(img.path)
	if err != nil {
		return 0, fmt.Errorf("images: %v: %w", img, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("images: %v: %w", img, err)
	}

	var r io.Reader = &ctxReader{ctx: ctx, r: f}
	if progress {
		bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("loading %v", img))
		defer bar.Close()
		r = io.TeeReader(r, bar)
	}

	w := io.NewOffsetWriter(img.vm, int64(img.addr))
	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("images: copy %s to %v: %w", img.path, img.addr, err)
	}
	return n, nil
}

func setEntry(vm hv.VirtualMachine) error {
	cfg := vm.Config()
	if cfg == nil {
		return nil
	}
	entry := cfg.Kernel.EntryPoint
	if entry == 0 {
		entry = cfg.Kernel.KernelLoadAddr
	}
	if entry == 0 {
		return nil
	}
	vcpu, ok := vm.VCpu(0)
	if !ok {
		return fmt.Errorf("images: VM[%d] has no primary vCPU: %w", vm.ID(), hv.ErrNotFound)
	}
	if err := vcpu.SetEntry(hv.GuestPhysAddr(entry)); err != nil {
		return fmt.Errorf("images: VM[%d] entry: %w", vm.ID(), err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
