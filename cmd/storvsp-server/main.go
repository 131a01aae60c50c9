package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/virtforge/go-storvsp/pkg/backend"
	"github.com/virtforge/go-storvsp/pkg/guestmem"
	"github.com/virtforge/go-storvsp/pkg/scsi"
	"github.com/virtforge/go-storvsp/pkg/server"
)

type lunConfig struct {
	Lun       uint8  `yaml:"lun"`
	File      string `yaml:"file"`
	Memory    int64  `yaml:"memory"`
	BlockSize uint32 `yaml:"block_size"`
	ReadOnly  bool   `yaml:"readonly"`
}

type config struct {
	Luns []lunConfig `yaml:"luns"`
}

func main() {
	configPath := flag.String("config", "storvsp.yaml", "Path to the lun attachment config")
	laddr := flag.String("laddr", ":10650", "Listen address")
	network := flag.String("network", "tcp", "Listen network (`tcp`, `unix` or `vsock`)")
	vsockPort := flag.Uint("vsock-port", 10650, "Port when listening on vsock")
	memPath := flag.String("mem", "guestmem.bin", "Path to the shared guest memory file")
	memSize := flag.Int64("mem-size", 64*1024*1024, "Size of the shared guest memory file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")

	flag.Parse()

	log := logrus.WithField("component", "storvsp-server")
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("could not load config")
	}

	controller := server.NewController()
	if err := attachLuns(controller, cfg); err != nil {
		log.WithError(err).Fatal("could not attach luns")
	}

	memory, cleanup, err := mapGuestMemory(*memPath, *memSize)
	if err != nil {
		log.WithError(err).Fatal("could not map guest memory")
	}
	defer cleanup()

	l, err := listen(*network, *laddr, uint32(*vsockPort))
	if err != nil {
		log.WithError(err).Fatal("could not listen")
	}
	defer l.Close()

	log.WithFields(logrus.Fields{
		"addr":  l.Addr().String(),
		"luns":  len(controller.Luns()),
		"pages": memory.PageCount(),
	}).Info("listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			log.WithError(err).Warn("could not accept connection, continuing")

			continue
		}

		go func() {
			defer conn.Close()

			if err := server.Handle(context.Background(), conn, controller, memory, nil); err != nil {
				log.WithError(err).Warn("session ended with error")
			}
		}()
	}
}

func loadConfig(path string) (*config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func attachLuns(controller *server.Controller, cfg *config) error {
	for _, lc := range cfg.Luns {
		var b backend.Backend
		switch {
		case lc.File != "":
			f, err := os.OpenFile(lc.File, os.O_RDWR, 0644)
			if err != nil {
				return fmt.Errorf("lun %d: %w", lc.Lun, err)
			}
			b = backend.NewFileBackend(f)
		case lc.Memory > 0:
			b = backend.NewMemoryBackend(make([]byte, lc.Memory))
		default:
			return fmt.Errorf("lun %d: neither file nor memory configured", lc.Lun)
		}

		disk := scsi.NewEmulatedDisk(b, &scsi.DiskOptions{
			BlockSize: lc.BlockSize,
			ReadOnly:  lc.ReadOnly,
		})
		if err := controller.Attach(lc.Lun, disk); err != nil {
			return err
		}
	}
	return nil
}

// mapGuestMemory shares the guest memory file with colocated initiators,
// the way a VMM shares guest RAM with its device backends.
func mapGuestMemory(path string, size int64) (*guestmem.Memory, func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return nil, nil, err
	}

	b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}

	return guestmem.FromBytes(b), func() { _ = unix.Munmap(b) }, nil
}

func listen(network, laddr string, vsockPort uint32) (net.Listener, error) {
	switch network {
	case "vsock":
		return vsock.Listen(vsockPort, nil)
	case "tcp", "unix":
		return net.Listen(network, laddr)
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}
