package nic_test

import (
	"testing"
	"time"

	"github.com/dirnic/dirnic/core/testenv"
	"github.com/dirnic/dirnic/nic"
)

var makeAR = testenv.MakeAR

func TestStatsRate(t *testing.T) {
	assert, _ := makeAR(t)

	var old nic.Stats
	cur := nic.Stats{RxPackets: 1_000_000, RxBytes: 60_000_000}

	mbit, mpps := cur.RxRate(old, time.Second)
	assert.InDelta(1.0, mpps, 1e-9)
	// 60 byte frames + 20 byte overhead = 640 bits on the wire each
	assert.InDelta(640.0, mbit, 1e-6)

	mbit, mpps = cur.TxRate(old, time.Second)
	assert.Zero(mbit)
	assert.Zero(mpps)
}

func TestConfigDefaults(t *testing.T) {
	assert, _ := makeAR(t)

	var cfg nic.Config
	assert.NoError(cfg.ApplyDefaults())
	assert.Equal(1, cfg.NumRxQueues)
	assert.Equal(1, cfg.NumTxQueues)

	cfg = nic.Config{NumRxQueues: nic.MaxQueues + 1}
	assert.Error(cfg.ApplyDefaults())
}
