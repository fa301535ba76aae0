package nic

import (
	"fmt"
	"time"
)

// Stats accumulates packet and byte counters for both directions.
type Stats struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("RX %d pkts, %d bytes; TX %d pkts, %d bytes",
		st.RxPackets, st.RxBytes, st.TxPackets, st.TxBytes)
}

// RxRate returns receive Mbit/s and Mpps between an older snapshot and st.
// The bit rate includes 20 octets of per-packet preamble and inter-frame gap,
// matching what the wire actually carries.
func (st Stats) RxRate(old Stats, interval time.Duration) (mbit, mpps float64) {
	return rate(st.RxBytes-old.RxBytes, st.RxPackets-old.RxPackets, interval)
}

// TxRate returns transmit Mbit/s and Mpps between an older snapshot and st.
func (st Stats) TxRate(old Stats, interval time.Duration) (mbit, mpps float64) {
	return rate(st.TxBytes-old.TxBytes, st.TxPackets-old.TxPackets, interval)
}

func rate(bytes, pkts uint64, interval time.Duration) (mbit, mpps float64) {
	secs := interval.Seconds()
	if secs <= 0 {
		return 0, 0
	}
	mpps = float64(pkts) / 1e6 / secs
	mbit = float64(bytes)*8/1e6/secs + mpps*20*8
	return mbit, mpps
}
