package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/dirnic/dirnic/core/pciaddr"
	"github.com/dirnic/dirnic/pci"
)

func listNetworkDevices() (addrs []pciaddr.PCIAddress, e error) {
	entries, e := os.ReadDir("/sys/bus/pci/devices")
	if e != nil {
		return nil, e
	}
	for _, entry := range entries {
		addr, e := pciaddr.Parse(entry.Name())
		if e != nil {
			continue
		}
		class, e := pci.ClassCode(addr)
		if e != nil || class != pci.ClassNetwork {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return addrs, nil
}

func printDevice(addr pciaddr.PCIAddress) error {
	vendor, device, e := pci.VendorDevice(addr)
	if e != nil {
		return e
	}
	driver := pci.CurrentDriver(addr)
	if driver == "" {
		driver = "-"
	}
	iommu := "no-iommu"
	if pci.IsIOMMUManaged(addr) {
		iommu = "iommu"
	}
	fmt.Printf("%s  %04x:%04x  driver=%s  %s\n", addr, vendor, device, driver, iommu)
	return nil
}

func init() {
	defineCommand(&cli.Command{
		Name:  "list",
		Usage: "List PCI Ethernet devices",
		Action: func(c *cli.Context) error {
			addrs, e := listNetworkDevices()
			if e != nil {
				return e
			}
			for _, addr := range addrs {
				if e := printDevice(addr); e != nil {
					return e
				}
			}
			return nil
		},
	})

	defineCommand(&cli.Command{
		Name:      "info",
		Usage:     "Show one device",
		ArgsUsage: "PCI-ADDRESS",
		Action: func(c *cli.Context) error {
			addr, e := parseAddrArg(c, 0)
			if e != nil {
				return e
			}
			return printDevice(addr)
		},
	})

	defineCommand(&cli.Command{
		Name:      "unbind",
		Usage:     "Unbind a device from its kernel driver",
		ArgsUsage: "PCI-ADDRESS",
		Action: func(c *cli.Context) error {
			addr, e := parseAddrArg(c, 0)
			if e != nil {
				return e
			}
			return pci.Unbind(addr)
		},
	})
}
