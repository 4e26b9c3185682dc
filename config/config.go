// Package config parses VM boot configuration: CLI flags (boot/probe
// subcommands, mirroring the teacher's two-subcommand shape) layered
// over an optional YAML file for settings a command line gets
// unwieldy for (multiple virtio-net interfaces, per-vCPU options).
//
// Grounded on flag.ParseArgs/BootArgs/ProbeArgs, generalized from the
// standard library's flag package to github.com/jessevdk/go-flags
// (struct-tag driven parsing, already a dependency via the rest of
// the example pack) plus gopkg.in/yaml.v3 for the file layer flag
// never had any use for.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSubcommand mirrors flag.ErrorInvalidSubcommands.
var ErrInvalidSubcommand = errors.New("config: expected 'boot' or 'probe' subcommand")

// NetIface describes one virtio-net attachment a YAML config file can
// list; the CLI flags only support a single TAP interface (-t), the
// common case.
type NetIface struct {
	TapName string `yaml:"tap"`
	Bridge  string `yaml:"bridge,omitempty"`
	CIDR    string `yaml:"cidr,omitempty"`
}

// Boot holds every setting the "boot" subcommand needs, the ARM
// counterpart to the teacher's BootArgs.
type Boot struct {
	HostDevice string `short:"D" long:"host-device" default:"/dev/hostif" description:"path of the host capability-invocation device"`
	Kernel     string `short:"k" long:"kernel" default:"./zImage" description:"kernel image path (ELF, zImage, uImage, or raw)"`
	Initrd     string `short:"i" long:"initrd" description:"initrd image path"`
	DTB        string `long:"dtb" description:"device tree blob path; omit to synthesize ATAGS instead"`
	Cmdline    string `short:"p" long:"cmdline" default:"console=ttyAMA0 earlyprintk root=/dev/vda rw" description:"kernel command-line parameters"`
	TapIfName  string `short:"t" long:"tap" description:"name of tap interface; empty disables networking"`
	Disk       string `short:"d" long:"disk" description:"path of disk image (for /dev/vda)"`
	NCPUs      int    `short:"c" long:"cpus" default:"1" description:"number of vCPUs"`
	MemSizeStr string `short:"m" long:"mem" default:"1G" description:"memory size: number[gGmMkK]"`
	TraceStr   string `short:"T" long:"trace" default:"0" description:"instructions to skip between trace prints; 0 disables tracing"`
	ConfigFile string `long:"config" description:"YAML file layering additional settings under this subcommand's flags"`

	// MemSize and TraceCount are resolved from MemSizeStr/TraceStr
	// after parsing; Nets is populated only from ConfigFile.
	MemSize    int
	TraceCount int
	Nets       []NetIface `yaml:"nets,omitempty"`
}

// Probe holds the settings for the "probe" subcommand: build-time
// capability reporting, plus an optional one-off instruction decode
// used to check an unfamiliar encoding FD's DecodeFail logged.
type Probe struct {
	Decode   string `short:"x" long:"decode" description:"hex-encoded A64 instruction word to disassemble"`
	Decode32 string `long:"decode32" description:"hex-encoded A32 instruction word to disassemble"`
}

// ParseArgs dispatches on args[1] ("boot" or "probe"), matching
// flag.ParseArgs's contract exactly so the VM wiring layer's call
// site needs no changes beyond the import path.
func ParseArgs(args []string) (*Boot, *Probe, error) {
	if len(args) < 2 {
		return nil, nil, ErrInvalidSubcommand
	}

	switch args[1] {
	case "boot":
		b, err := parseBoot(args[2:])

		return b, nil, err
	case "probe":
		p, err := parseProbe(args[2:])

		return nil, p, err
	default:
		return nil, nil, ErrInvalidSubcommand
	}
}

func parseBoot(args []string) (*Boot, error) {
	b := &Boot{}

	parser := flags.NewParser(b, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("config: parse boot flags: %w", err)
	}

	if b.ConfigFile != "" {
		if err := layerYAML(b, b.ConfigFile); err != nil {
			return nil, err
		}
	}

	var err error

	if b.MemSize, err = ParseSize(b.MemSizeStr, "g"); err != nil {
		return nil, fmt.Errorf("config: mem size: %w", err)
	}

	if b.TraceCount, err = ParseSize(b.TraceStr, ""); err != nil {
		return nil, fmt.Errorf("config: trace count: %w", err)
	}

	return b, nil
}

func parseProbe(args []string) (*Probe, error) {
	p := &Probe{}

	parser := flags.NewParser(p, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("config: parse probe flags: %w", err)
	}

	return p, nil
}

// layerYAML unmarshals file into a second Boot value and copies over
// any field the CLI left at its zero value, so command-line flags
// always win over the file. Nets is file-only and always copied.
func layerYAML(b *Boot, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}

	var fromFile Boot
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}

	if b.Initrd == "" {
		b.Initrd = fromFile.Initrd
	}

	if b.DTB == "" {
		b.DTB = fromFile.DTB
	}

	if b.Disk == "" {
		b.Disk = fromFile.Disk
	}

	if b.TapIfName == "" {
		b.TapIfName = fromFile.TapIfName
	}

	b.Nets = fromFile.Nets

	return nil
}

// ParseSize parses a size string as number[gGmMkK]; the multiplier is
// optional, defaulting to unit when the string carries none.
//
// Grounded on flag.ParseSize, kept byte-for-byte equivalent.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
