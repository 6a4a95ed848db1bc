// This program performs administrative tasks for the collector service.
package main

import (
	"github.com/rylaix/mevguard/app/tooling/admin/cmd"
)

func main() {
	cmd.Execute()
}
