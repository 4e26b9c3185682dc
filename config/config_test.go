package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/capvisor/vmm/config"
)

func TestParseArgsRejectsUnknownSubcommand(t *testing.T) {
	t.Parallel()

	_, _, err := config.ParseArgs([]string{"vmm", "launch"})
	if err != config.ErrInvalidSubcommand {
		t.Fatalf("err = %v, want ErrInvalidSubcommand", err)
	}
}

func TestParseArgsRejectsMissingSubcommand(t *testing.T) {
	t.Parallel()

	_, _, err := config.ParseArgs([]string{"vmm"})
	if err != config.ErrInvalidSubcommand {
		t.Fatalf("err = %v, want ErrInvalidSubcommand", err)
	}
}

func TestParseBootDefaultsApplyWhenFlagsOmitted(t *testing.T) {
	t.Parallel()

	b, _, err := config.ParseArgs([]string{"vmm", "boot"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if b.Kernel != "./zImage" {
		t.Fatalf("Kernel = %q, want ./zImage", b.Kernel)
	}

	if b.NCPUs != 1 {
		t.Fatalf("NCPUs = %d, want 1", b.NCPUs)
	}

	if b.MemSize != 1<<30 {
		t.Fatalf("MemSize = %d, want 1G", b.MemSize)
	}
}

func TestParseBootOverridesDefaults(t *testing.T) {
	t.Parallel()

	b, _, err := config.ParseArgs([]string{
		"vmm", "boot", "-k", "/tmp/linux.elf", "-c", "4", "-m", "512M",
	})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if b.Kernel != "/tmp/linux.elf" || b.NCPUs != 4 || b.MemSize != 512<<20 {
		t.Fatalf("got %+v", b)
	}
}

func TestParseBootLayersYAMLWithoutOverridingFlags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "vm.yaml")

	content := "tap: tap0\ndisk: /var/lib/vmm/disk.img\nnets:\n  - tap: tap1\n    bridge: br0\n"
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	b, _, err := config.ParseArgs([]string{
		"vmm", "boot", "--config", yamlPath, "-t", "cliTap",
	})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if b.TapIfName != "cliTap" {
		t.Fatalf("TapIfName = %q, want cliTap (CLI must win over file)", b.TapIfName)
	}

	if b.Disk != "/var/lib/vmm/disk.img" {
		t.Fatalf("Disk = %q, want value from file", b.Disk)
	}

	if len(b.Nets) != 1 || b.Nets[0].Bridge != "br0" {
		t.Fatalf("Nets = %+v, want one entry with bridge br0", b.Nets)
	}
}

func TestParseSizeUnits(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
	}{
		{"1G", 1 << 30},
		{"512M", 512 << 20},
		{"4k", 4 << 10},
		{"7", 7},
	}

	for _, c := range cases {
		got, err := config.ParseSize(c.in, "")
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", c.in, err)
		}

		if got != c.want {
			t.Fatalf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSizeRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := config.ParseSize("", ""); err == nil {
		t.Fatal("expected error for empty size string")
	}
}
