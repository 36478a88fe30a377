// Command imagebatchctl submits tables to an imagebatchd server and inspects jobs.
package main

import (
	"os"

	"github.com/joseph-ayodele/image-batch/cmd/imagebatchctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
