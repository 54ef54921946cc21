// Command coordd runs the coordination service: the idempotency gate on the
// public API, lease-guarded scheduled tasks and the operator endpoints.
package main

import "github.com/nimburion/coordination/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{
		Name:        "coordd",
		Description: "Lease-based coordination and replay protection for the club platform",
	}))
}
