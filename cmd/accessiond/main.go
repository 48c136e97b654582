// Command accessiond runs the accession daemon with the default
// configuration file, or the one named by ACCESSION_CONFIG.
package main

import (
	"context"
	"log"
	"os"

	"accession/internal/config"
	"accession/internal/daemonrun"
)

func main() {
	cfg, _, _, err := config.Load(os.Getenv("ACCESSION_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{}); err != nil {
		log.Fatalf("accessiond: %v", err)
	}
}
