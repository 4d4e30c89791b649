package main

import (
	"os"

	"github.com/defenseunicorns/uds-vuln-hub/cmd"
)

func main() {
	cmd.Execute(os.Args[1:])
}
