package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/dirnic/dirnic/mempool"
	"github.com/dirnic/dirnic/nic"
)

var (
	interval  time.Duration
	batchSize int
)

func printRates(name string, cur, old nic.Stats, d time.Duration) {
	rxMbit, rxMpps := cur.RxRate(old, d)
	txMbit, txMpps := cur.TxRate(old, d)
	fmt.Printf("%s RX %8.2f Mbit/s %6.3f Mpps (%s pkts)  TX %8.2f Mbit/s %6.3f Mpps (%s pkts)\n",
		name, rxMbit, rxMpps, humanize.Comma(int64(cur.RxPackets)),
		txMbit, txMpps, humanize.Comma(int64(cur.TxPackets)))
}

func init() {
	defineCommand(&cli.Command{
		Name:      "stats",
		Usage:     "Open a device and report traffic counters",
		ArgsUsage: "PCI-ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:        "interval",
				Value:       time.Second,
				Usage:       "reporting `interval`",
				Destination: &interval,
			},
		},
		Action: func(c *cli.Context) error {
			addr, e := parseAddrArg(c, 0)
			if e != nil {
				return e
			}
			dev, e := nic.Open(addr, nic.Config{})
			if e != nil {
				return e
			}
			defer dev.Close()
			fmt.Printf("%s MAC %s link %d Mbit/s\n", addr, dev.MACAddr(), dev.LinkSpeed())

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			var old, cur nic.Stats
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					dev.ReadStats(&cur)
					printRates(addr.String(), cur, old, interval)
					old = cur
				}
			}
		},
	})

	defineCommand(&cli.Command{
		Name:      "fwd",
		Usage:     "Forward packets between two devices",
		ArgsUsage: "PCI-ADDRESS PCI-ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "batch",
				Value:       32,
				Usage:       "packets per `batch`",
				Destination: &batchSize,
			},
		},
		Action: func(c *cli.Context) error {
			a, e := parseAddrArg(c, 0)
			if e != nil {
				return e
			}
			b, e := parseAddrArg(c, 1)
			if e != nil {
				return e
			}
			devA, e := nic.Open(a, nic.Config{})
			if e != nil {
				return e
			}
			defer devA.Close()
			devB, e := nic.Open(b, nic.Config{})
			if e != nil {
				return e
			}
			defer devB.Close()

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			bufs := make([]*mempool.Buffer, batchSize)
			for ctx.Err() == nil {
				forward(devA, devB, bufs)
				forward(devB, devA, bufs)
			}
			return nil
		},
	})
}

// forward moves one batch from src queue 0 to dst queue 0. Packets the full
// transmit ring rejects are dropped; buffering them would only delay the drop.
func forward(src, dst nic.Device, bufs []*mempool.Buffer) {
	n := src.RxBatch(0, bufs)
	if n == 0 {
		return
	}
	sent := dst.TxBatch(0, bufs[:n])
	for _, buf := range bufs[sent:n] {
		buf.Free()
	}
}
