// Command catalogsync drives catalog sync batch jobs from the command line or
// serves them over HTTP.
//
//	catalogsync --config catalogsync.yaml sync 12
//	catalogsync cache refresh 12
//	catalogsync cache clear 12
//	catalogsync product map 381 gid://remote/Product/991
//	catalogsync serve
//
// Every setting can be overridden by a CATALOGSYNC_* environment variable,
// e.g. CATALOGSYNC_SITE_ENDPOINT or CATALOGSYNC_DB_DSN.
package main

import (
	"os"

	"github.com/JakeFAU/catalog-sync/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
