// Command pairsync runs a collaborative editing peer, the websocket relay
// and the reference snapshot service.
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
