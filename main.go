// The main package for the newsindexer executable.
package main

import (
	"github.com/JakeFAU/realtime-news-indexer/cmd"
)

// main defers all execution to the cobra CLI.
func main() {
	cmd.Execute()
}
