// Command genkey bootstraps an agent identity: it generates an Ed25519
// keypair and writes the identity directory under AGENTMAIL_HOME.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/agentmail-protocol/agentmail/internal/config"
	"github.com/agentmail-protocol/agentmail/internal/identity"
)

func main() {
	cfg := config.Load()

	name := flag.String("name", cfg.Agent, "agent name (defaults to AGENTMAIL_AGENT)")
	tenant := flag.String("tenant", cfg.Tenant, "tenant the identity belongs to")
	force := flag.Bool("force", false, "regenerate the keypair of an existing identity")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "genkey: -name is required (or set AGENTMAIL_AGENT)")
		os.Exit(1)
	}

	dir := cfg.IdentityDir(*name)

	if identity.Exists(dir) {
		if !*force {
			fmt.Fprintf(os.Stderr, "genkey: identity %q already exists at %s (use -force to regenerate)\n", *name, dir)
			os.Exit(1)
		}
		id, err := identity.Load(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "genkey: load identity: %v\n", err)
			os.Exit(1)
		}
		if err := id.Reinitialize(); err != nil {
			fmt.Fprintf(os.Stderr, "genkey: regenerate keypair: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Regenerated keypair for %s\n", id.Address())
		fmt.Printf("Fingerprint: %s\n", id.Fingerprint)
		fmt.Println("Existing provider registrations must be re-established.")
		return
	}

	id, err := identity.Create(dir, *name, *tenant, cfg.MeshDomain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "genkey: create identity: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created identity %s\n", id.Address())
	fmt.Printf("Fingerprint: %s\n", id.Fingerprint)
	fmt.Printf("Directory:   %s\n", dir)
}
