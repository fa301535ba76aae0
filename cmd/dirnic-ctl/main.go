// Command dirnic-ctl inspects and exercises PCI Ethernet devices under
// userspace control.
package main

import (
	"log"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/dirnic/dirnic/core/pciaddr"
	"github.com/dirnic/dirnic/core/version"

	// hardware backends register themselves on import
	_ "github.com/dirnic/dirnic/ixgbe"
)

var app = &cli.App{
	Version: version.Get().String(),
	Usage:   "Control userspace NIC devices.",
}

func defineCommand(command *cli.Command) {
	app.Commands = append(app.Commands, command)
}

func parseAddrArg(c *cli.Context, i int) (pciaddr.PCIAddress, error) {
	return pciaddr.Parse(c.Args().Get(i))
}

func main() {
	sort.Sort(cli.CommandsByName(app.Commands))
	e := app.Run(os.Args)
	if e != nil {
		log.Fatal(e)
	}
}
