// Command browserchannel-server hosts the BrowserChannel transport as a
// standalone HTTP service, wiring configuration, logging, metrics and
// graceful shutdown around the browserchannel package.
package main

import (
	"fmt"
	"os"

	"github.com/mturcotte/browserchannel/cmd/browserchannel-server/internal/app"
)

func main() {
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
