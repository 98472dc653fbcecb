// Command poflow is the purchase-order workflow engine: it ingests
// supplier documents, extracts line items through the extraction service,
// persists structured orders, resolves suppliers, attaches product images,
// and syncs product drafts to the commerce platform. See cli for the
// command tree.
package main

import "poflow.merchantry.io/cli"

func main() {
	cli.Execute()
}
