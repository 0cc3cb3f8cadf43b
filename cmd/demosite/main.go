// Command demosite starts a small versioned documentation site for
// manual sync testing.
// Usage: go run ./cmd/demosite [port]
// Default port: 9999
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/raysh454/biblio/internal/demosite"
)

func main() {
	cfg := demosite.DefaultConfig()

	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 1 || port > 65535 {
			log.Fatalf("Invalid port: %s", os.Args[1])
		}
		cfg.Port = port
	}

	fmt.Println("Demo documentation site")
	fmt.Println()
	fmt.Println("Pages live under /docs/ and are listed in /sitemap.xml.")
	fmt.Println("Bump content versions between sync cycles:")
	fmt.Println("  /demo/bump?path=/docs/install/")
	fmt.Println("  /demo/bump-all")
	fmt.Println("  /demo/versions")
	fmt.Println("  /demo/reset")
	fmt.Println()

	site := demosite.NewDemoSite(cfg)
	if err := site.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
