// Command vma-writer runs the archive writer pipeline: it binds the
// vmstate and NBD endpoints, writes "Ready\n" to stdout once both are
// listening, and produces a single VMA archive file from whatever it
// receives on them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/vmarchive/writer/log"
	"github.com/vmarchive/writer/orchestrator"
)

// driveFlags accumulates repeated --drive flags.
type driveFlags []string

func (d *driveFlags) String() string { return strings.Join(*d, ",") }

func (d *driveFlags) Set(v string) error {
	*d = append(*d, v)
	return nil
}

func main() {
	output := flag.String("output", "", "backup archive filename (required)")
	incoming := flag.String("incoming", "", "UNIX endpoint for incoming vmstate migration (required)")
	nbdPath := flag.String("nbd", "", "UNIX endpoint for the NBD block-backup server (required)")
	var drives driveFlags
	flag.Var(&drives, "drive", "drive spec name=NAME,size=BYTES (repeatable)")
	flag.Parse()

	if *output == "" || *incoming == "" || *nbdPath == "" {
		fmt.Fprintln(os.Stderr, "vma-writer: --output, --incoming, and --nbd are required")
		os.Exit(1)
	}

	parsedDrives, err := parseDrives(drives)
	if err != nil {
		log.Errorf("vma-writer: %v", err)
		os.Exit(1)
	}

	cfg := orchestrator.Config{
		OutputPath:      *output,
		VMStateEndpoint: *incoming,
		BlockEndpoint:   *nbdPath,
		Drives:          parsedDrives,
	}

	if err := orchestrator.Run(context.Background(), cfg, os.Stdout); err != nil {
		log.Errorf("vma-writer: %v", errors.WithStack(err))
		os.Exit(1)
	}
}

// parseDrives parses repeated "name=foo,size=123" specs into the
// orchestrator's Drive list, validating eagerly so a malformed spec fails
// before any socket is opened.
func parseDrives(specs []string) ([]orchestrator.Drive, error) {
	drives := make([]orchestrator.Drive, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		var name string
		var size uint64
		var haveName, haveSize bool
		for _, kv := range strings.Split(spec, ",") {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				return nil, errors.Errorf("malformed drive spec %q", spec)
			}
			switch parts[0] {
			case "name":
				name = parts[1]
				haveName = true
			case "size":
				n, err := strconv.ParseUint(parts[1], 10, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "drive %q: invalid size", spec)
				}
				size = n
				haveSize = true
			default:
				return nil, errors.Errorf("drive %q: unknown key %q", spec, parts[0])
			}
		}
		if !haveName || name == "" {
			return nil, errors.Errorf("drive %q: missing name", spec)
		}
		if !haveSize {
			return nil, errors.Errorf("drive %q: missing size", spec)
		}
		if seen[name] {
			return nil, errors.Errorf("duplicate drive name %q", name)
		}
		seen[name] = true
		drives = append(drives, orchestrator.Drive{Name: name, Size: size})
	}
	return drives, nil
}
