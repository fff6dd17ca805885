package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentplane/agentplane/pkg/manifest"
)

// validate-manifest checks an agent manifest file against the intake rules
// without submitting anything. Useful for catching capability-card mistakes
// before a deployment burns a version label on a permanent validation failure.
//
//	go run tools/validate-manifest.go -f translator.yaml
func main() {
	file := flag.String("f", "", "Agent manifest file (YAML or JSON)")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: validate-manifest -f <manifest file>")
		os.Exit(2)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", *file, err)
		os.Exit(2)
	}

	// The intake API validates the JSON encoding, so YAML manifests are
	// re-encoded the same way agentplanectl deploy does it.
	var doc manifest.AgentManifest
	if err := yaml.Unmarshal(data, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse %s: %v\n", *file, err)
		os.Exit(2)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode %s: %v\n", *file, err)
		os.Exit(2)
	}

	m, err := manifest.Validate(raw)
	if err != nil {
		var verr *manifest.ValidationError
		if errors.As(err, &verr) {
			fmt.Printf("%s: INVALID (%d violations)\n", *file, len(verr.Violations))
			for _, v := range verr.Violations {
				fmt.Printf("  %-20s %s\n", v.Field, v.Reason)
			}
		} else {
			fmt.Fprintf(os.Stderr, "validation failed: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("%s: OK\n", *file)
	fmt.Printf("  agent        %s@%s\n", m.Name, m.Version)
	fmt.Printf("  protocol     %s\n", m.ProtocolVersion)
	fmt.Printf("  capabilities %s\n", strings.Join(m.Capabilities, ", "))
	fmt.Printf("  endpoints    %d\n", len(m.Endpoints))
	fmt.Printf("  skills       %d\n", len(m.Skills))
}
