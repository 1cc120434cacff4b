// Command depscheck fails when a state-sync core package imports transport or
// server code. The core must stay usable from any client.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
)

const modulePath = "github.com/teknokomo/universo-platformo-react-sub028"

var corePackages = []string{
	modulePath + "/internal/snapshot",
	modulePath + "/internal/delta",
	modulePath + "/internal/sequence",
	modulePath + "/internal/clocksync",
	modulePath + "/internal/wire",
}

var forbiddenPrefixes = []string{
	"net/http",
	"github.com/gorilla/websocket",
	modulePath + "/internal/net",
	modulePath + "/internal/relay",
	modulePath + "/internal/mirror",
	modulePath + "/internal/app",
	modulePath + "/logging",
}

type packageInfo struct {
	ImportPath string
	Imports    []string
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./internal/...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	pkgs, err := decodePackages(output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}

	if found := violations(pkgs); len(found) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range found {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func decodePackages(output []byte) ([]packageInfo, error) {
	decoder := json.NewDecoder(bytes.NewReader(output))
	var pkgs []packageInfo
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				return pkgs, nil
			}
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
}

func violations(pkgs []packageInfo) []string {
	var found []string
	for _, pkg := range pkgs {
		if !slices.Contains(corePackages, pkg.ImportPath) {
			continue
		}
		for _, imp := range pkg.Imports {
			for _, prefix := range forbiddenPrefixes {
				if imp == prefix || strings.HasPrefix(imp, prefix+"/") {
					found = append(found, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
				}
			}
		}
	}
	slices.Sort(found)
	return found
}
