package ixgbe

// Register offsets and bit definitions for the Intel 82599 controller family,
// from the 82599 datasheet. Only the subset this driver programs is listed.
// All accesses go through mmio accessors; nothing is overlaid on the BAR.

// General control.
const (
	regCTRL    = 0x00000
	regCTRLEXT = 0x00018
	regEIMC    = 0x00888
	regEEC     = 0x10010

	ctrlLinkReset     = 0x00000008
	ctrlDeviceReset   = 0x04000000
	ctrlRSTMask       = ctrlLinkReset | ctrlDeviceReset
	ctrlExtNoSnoopDis = 0x00010000
	eimcDisableAll    = 0x7fffffff
	eecAutoReadDone   = 0x00000200
)

// Receive path.
const (
	regRDRXCTL = 0x02f00
	regRXCTRL  = 0x03000
	regFCTRL   = 0x05080

	rdrxctlCRCStrip       = 0x00000002
	rdrxctlDMAInitDone    = 0x00000008
	rxctrlRXEN            = 0x00000001
	fctrlBroadcastAccept  = 0x00000400
	fctrlMulticastPromisc = 0x00000100
	fctrlUnicastPromisc   = 0x00000200

	srrctlDropEnable        = 0x10000000
	srrctlDescTypeMask      = 0x0e000000
	srrctlDescTypeAdvOneBuf = 0x02000000
	rxdctlEnable            = 0x02000000
	rxpbsize128KB           = 0x00020000
)

// Transmit path.
const (
	regDMATXCTL  = 0x04a80
	regRTTDCS    = 0x04900
	regDTXMXSZRQ = 0x08100

	dmatxctlTxEnable = 0x00000001
	rttdcsArbDisable = 0x00000040
	txdctlEnable     = 0x02000000
	txpbsize40KB     = 0x0000a000
)

// Link control and status.
const (
	regHLREG0 = 0x04240
	regAUTOC  = 0x042a0
	regLINKS  = 0x042a4

	hlreg0RXCRCStrip  = 0x00000002
	hlreg0TXCRCEnable = 0x00000001
	hlreg0TXPadEnable = 0x00000400

	autocLMSMask       = 0x7 << 13
	autocLMS10GSerial  = 0x3 << 13
	autoc10GPMAPMDMask = 0x00000180
	autoc10GXAUI       = 0x0 << 7
	autocANRestart     = 0x00001000

	linksUp        = 0x40000000
	linksSpeedMask = 0x30000000
	linksSpeed100  = 0x10000000
	linksSpeed1G   = 0x20000000
	linksSpeed10G  = 0x30000000
)

// Statistics. The counters clear on read.
const (
	regGPRC  = 0x04074
	regGPTC  = 0x04080
	regGORCL = 0x04088
	regGORCH = 0x0408c
	regGOTCL = 0x04090
	regGOTCH = 0x04094
)

// Receive address registers, slot 0 holds the burned-in MAC.
const (
	regRAL0 = 0x05400
	regRAH0 = 0x05404
)

// Per-queue registers. The 82599 splits 128 RX queues over two register
// blocks; this driver limits itself to the first 64.
func regRDBAL(i int) uint32  { return uint32(0x01000 + i*0x40) }
func regRDBAH(i int) uint32  { return uint32(0x01004 + i*0x40) }
func regRDLEN(i int) uint32  { return uint32(0x01008 + i*0x40) }
func regRDH(i int) uint32    { return uint32(0x01010 + i*0x40) }
func regRDT(i int) uint32    { return uint32(0x01018 + i*0x40) }
func regRXDCTL(i int) uint32 { return uint32(0x01028 + i*0x40) }

func regSRRCTL(i int) uint32 {
	if i <= 15 {
		return uint32(0x02100 + i*4)
	}
	return uint32(0x01014 + i*0x40)
}

func regDCARXCTRL(i int) uint32 {
	if i <= 15 {
		return uint32(0x02200 + i*4)
	}
	return uint32(0x0100c + i*0x40)
}

func regRXPBSIZE(i int) uint32 { return uint32(0x03c00 + i*4) }
func regTXPBSIZE(i int) uint32 { return uint32(0x0cc00 + i*4) }

func regTDBAL(i int) uint32  { return uint32(0x06000 + i*0x40) }
func regTDBAH(i int) uint32  { return uint32(0x06004 + i*0x40) }
func regTDLEN(i int) uint32  { return uint32(0x06008 + i*0x40) }
func regTDH(i int) uint32    { return uint32(0x06010 + i*0x40) }
func regTDT(i int) uint32    { return uint32(0x06018 + i*0x40) }
func regTXDCTL(i int) uint32 { return uint32(0x06028 + i*0x40) }

// Advanced receive descriptor, 16 bytes. Software writes the read format
// (packet and header addresses); hardware writes the writeback format.
const (
	rxDescSize = 16

	rxdPktAddr     = 0  // uint64, buffer physical address
	rxdHdrAddr     = 8  // uint64, header split address, unused
	rxdStatusError = 8  // uint32, writeback status
	rxdLength      = 12 // uint16, writeback packet length

	rxdStatDD  = 0x01
	rxdStatEOP = 0x02
)

// Advanced transmit descriptor, 16 bytes.
const (
	txDescSize = 16

	txdBufAddr      = 0  // uint64, buffer physical address
	txdCmdTypeLen   = 8  // uint32, command, type, length
	txdOlinfoStatus = 12 // uint32, offload info; writeback status

	txdCmdEOP      = 0x01000000
	txdCmdIFCS     = 0x02000000
	txdCmdRS       = 0x08000000
	txdCmdDEXT     = 0x20000000
	txdDTypeData   = 0x00300000
	txdStatDD      = 0x00000001
	txdPaylenShift = 14
)
