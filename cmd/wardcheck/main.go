// Command wardcheck validates a boot manifest against the kernel limits from
// the environment and prints the effective configuration.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"ward/internal/buildinfo"
	"ward/internal/config"
	"ward/wardos/kernel"
)

type effective struct {
	Build    string           `yaml:"build"`
	ABI      string           `yaml:"abi"`
	Kernel   kernel.Config    `yaml:"kernel"`
	Manifest *config.Manifest `yaml:"manifest"`
}

func main() {
	manifest := flag.String("manifest", "", "Boot manifest (YAML).")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatalf("%v", err)
	}
	if *manifest == "" {
		*manifest = cfg.Manifest
	}
	m, err := config.LoadManifest(*manifest)
	if err != nil {
		fatalf("%v", err)
	}
	kc := cfg.Kernel.Kernel()
	if m.Cores > 0 {
		kc.Cores = m.Cores
	}
	k, err := kernel.New(kc)
	if err != nil {
		fatalf("kernel config: %v", err)
	}
	_ = k.Close()

	out, err := yaml.Marshal(effective{Build: buildinfo.Short(), ABI: buildinfo.ABI, Kernel: kc, Manifest: m})
	if err != nil {
		fatalf("encode: %v", err)
	}
	os.Stdout.Write(out)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "wardcheck: "+format+"\n", args...)
	os.Exit(1)
}
