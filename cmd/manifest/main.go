// Command manifest computes a file manifest the same way the chunk store
// does on share_file, for operators who want to inspect a digest and
// per-chunk hashes without running the full node.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/nodeswarm/peernode/internal/chunker"
)

func main() {
	output := flag.String("output", "", "write manifest JSON to this file instead of stdout")
	pretty := flag.Bool("pretty", true, "pretty-print JSON output")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: manifest [options] <file_path>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	filePath := flag.Arg(0)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: file not found: %s\n", filePath)
		os.Exit(2)
	}

	manifest, err := chunker.ComputeManifest(filePath, chunker.DefaultChunkOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error computing manifest: %v\n", err)
		os.Exit(3)
	}

	var data []byte
	if *pretty {
		data, err = json.MarshalIndent(manifest, "", "  ")
	} else {
		data, err = json.Marshal(manifest)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error serializing manifest: %v\n", err)
		os.Exit(4)
	}

	if *output != "" {
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
			os.Exit(5)
		}
		return
	}
	fmt.Println(string(data))
}
