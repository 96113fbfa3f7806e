// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package rfm69

// SX1231 register addresses as used on HopeRF RFM69 modules.
const (
	REG_FIFO          = 0x00
	REG_OPMODE        = 0x01
	REG_DATAMODUL     = 0x02
	REG_BITRATEMSB    = 0x03
	REG_BITRATELSB    = 0x04
	REG_FDEVMSB       = 0x05
	REG_FDEVLSB       = 0x06
	REG_FRFMSB        = 0x07
	REG_FRFMID        = 0x08
	REG_FRFLSB        = 0x09
	REG_OSC1          = 0x0A
	REG_AFCCTRL       = 0x0B
	REG_VERSION       = 0x10
	REG_PALEVEL       = 0x11
	REG_PARAMP        = 0x12
	REG_OCP           = 0x13
	REG_LNA           = 0x18
	REG_RXBW          = 0x19
	REG_AFCBW         = 0x1A
	REG_AFCFEI        = 0x1E
	REG_AFCMSB        = 0x1F
	REG_AFCLSB        = 0x20
	REG_FEIMSB        = 0x21
	REG_FEILSB        = 0x22
	REG_RSSICONFIG    = 0x23
	REG_RSSIVALUE     = 0x24
	REG_DIOMAPPING1   = 0x25
	REG_DIOMAPPING2   = 0x26
	REG_IRQFLAGS1     = 0x27
	REG_IRQFLAGS2     = 0x28
	REG_RSSITHRESH    = 0x29
	REG_RXTIMEOUT1    = 0x2A
	REG_RXTIMEOUT2    = 0x2B
	REG_PREAMBLEMSB   = 0x2C
	REG_PREAMBLELSB   = 0x2D
	REG_SYNCCONFIG    = 0x2E
	REG_SYNCVALUE1    = 0x2F
	REG_SYNCVALUE2    = 0x30
	REG_PACKETCONFIG1 = 0x37
	REG_PAYLOADLENGTH = 0x38
	REG_NODEADRS      = 0x39
	REG_BROADCASTADRS = 0x3A
	REG_AUTOMODES     = 0x3B
	REG_FIFOTHRESH    = 0x3C
	REG_PACKETCONFIG2 = 0x3D
	REG_AESKEY1       = 0x3E
	REG_TEMP1         = 0x4E
	REG_TEMP2         = 0x4F
	REG_TESTLNA       = 0x58
	REG_TESTPA1       = 0x5A
	REG_TESTPA2       = 0x5C
	REG_TESTDAGC      = 0x6F
	REG_TESTAFC       = 0x71

	IRQ1_MODEREADY = 1 << 7
	IRQ1_RXREADY   = 1 << 6
	IRQ1_PLLLOCK   = 1 << 4
	IRQ1_RSSI      = 1 << 3
	IRQ1_TIMEOUT   = 1 << 2
	IRQ1_SYNCMATCH = 1 << 0

	IRQ2_FIFOFULL     = 1 << 7
	IRQ2_FIFONOTEMPTY = 1 << 6
	IRQ2_FIFOLEVEL    = 1 << 5
	IRQ2_FIFOOVERRUN  = 1 << 4
	IRQ2_PACKETSENT   = 1 << 3
	IRQ2_PAYLOADREADY = 1 << 2
	IRQ2_CRCOK        = 1 << 1

	// DIO0 mapping in the top bits of DIOMAPPING1. In receive mode 0x40
	// means "payload ready", in transmit mode 0x00 means "packet sent".
	DIO0_PKTSENT  = 0x00
	DIO0_PAYREADY = 0x40

	RSSI_START = 0x01
	RSSI_DONE  = 0x02

	TEMP1_MEAS_START   = 0x08
	TEMP1_MEAS_RUNNING = 0x04

	OSC1_RCCAL_START = 0x80
	OSC1_RCCAL_DONE  = 0x40

	PACKET2_RXRESTART = 0x04
	PACKET2_AES_ON    = 0x01
)

// registers is the semantic name table backing ReadRegister/WriteRegister.
// Status and measurement registers are flagged read-only; writing them is a
// programming error and is refused before any bus traffic.
var registers = map[string]struct {
	addr     byte
	writable bool
}{
	"OpMode":        {REG_OPMODE, true},
	"DataModul":     {REG_DATAMODUL, true},
	"BitrateMsb":    {REG_BITRATEMSB, true},
	"BitrateLsb":    {REG_BITRATELSB, true},
	"FdevMsb":       {REG_FDEVMSB, true},
	"FdevLsb":       {REG_FDEVLSB, true},
	"FrfMsb":        {REG_FRFMSB, true},
	"FrfMid":        {REG_FRFMID, true},
	"FrfLsb":        {REG_FRFLSB, true},
	"Osc1":          {REG_OSC1, true},
	"AfcCtrl":       {REG_AFCCTRL, true},
	"Version":       {REG_VERSION, false},
	"PaLevel":       {REG_PALEVEL, true},
	"PaRamp":        {REG_PARAMP, true},
	"Ocp":           {REG_OCP, true},
	"Lna":           {REG_LNA, true},
	"RxBw":          {REG_RXBW, true},
	"AfcBw":         {REG_AFCBW, true},
	"AfcFei":        {REG_AFCFEI, true},
	"AfcMsb":        {REG_AFCMSB, false},
	"AfcLsb":        {REG_AFCLSB, false},
	"FeiMsb":        {REG_FEIMSB, false},
	"FeiLsb":        {REG_FEILSB, false},
	"RssiConfig":    {REG_RSSICONFIG, true},
	"RssiValue":     {REG_RSSIVALUE, false},
	"DioMapping1":   {REG_DIOMAPPING1, true},
	"DioMapping2":   {REG_DIOMAPPING2, true},
	"IrqFlags1":     {REG_IRQFLAGS1, false},
	"IrqFlags2":     {REG_IRQFLAGS2, true}, // FifoOverrun is cleared by writing it
	"RssiThresh":    {REG_RSSITHRESH, true},
	"RxTimeout1":    {REG_RXTIMEOUT1, true},
	"RxTimeout2":    {REG_RXTIMEOUT2, true},
	"PreambleMsb":   {REG_PREAMBLEMSB, true},
	"PreambleLsb":   {REG_PREAMBLELSB, true},
	"SyncConfig":    {REG_SYNCCONFIG, true},
	"SyncValue1":    {REG_SYNCVALUE1, true},
	"SyncValue2":    {REG_SYNCVALUE2, true},
	"PacketConfig1": {REG_PACKETCONFIG1, true},
	"PayloadLength": {REG_PAYLOADLENGTH, true},
	"NodeAdrs":      {REG_NODEADRS, true},
	"BroadcastAdrs": {REG_BROADCASTADRS, true},
	"AutoModes":     {REG_AUTOMODES, true},
	"FifoThresh":    {REG_FIFOTHRESH, true},
	"PacketConfig2": {REG_PACKETCONFIG2, true},
	"Temp1":         {REG_TEMP1, true},
	"Temp2":         {REG_TEMP2, false},
	"TestLna":       {REG_TESTLNA, true},
	"TestPa1":       {REG_TESTPA1, true},
	"TestPa2":       {REG_TESTPA2, true},
	"TestDagc":      {REG_TESTDAGC, true},
	"TestAfc":       {REG_TESTAFC, true},
}

// configRegs holds the base configuration written during init, as pairs of
// <address, value>. Frequency, bit rate, sync bytes, node address and the
// encryption key are programmed dynamically afterwards.
var configRegs = []byte{
	REG_OPMODE, 0x04, // standby
	REG_DATAMODUL, 0x00, // packet mode, FSK, no shaping
	REG_PARAMP, 0x09, // PA ramp in 40us
	REG_LNA, 0x88, // 200 ohm input, AGC
	REG_DIOMAPPING1, DIO0_PAYREADY, // DIO0 = payload ready while in RX
	REG_DIOMAPPING2, 0x07, // disable clkout
	REG_IRQFLAGS2, IRQ2_FIFOOVERRUN, // writing FifoOverrun flushes the FIFO
	REG_RSSITHRESH, 0xB4, // -90 dBm
	REG_RXTIMEOUT2, 0x40, // RssiTimeout after 2*64 bit periods
	REG_PREAMBLELSB, 0x05, // 5 preamble bytes
	REG_PACKETCONFIG1, 0x90, // variable length, CRC on, no hw addr filter
	REG_PAYLOADLENGTH, 0x42, // max length 66 incl. header
	REG_FIFOTHRESH, 0x8F, // TX start on fifo-not-empty, level 15
	REG_PACKETCONFIG2, 0x12, // inter-packet delay 1, auto RX restart, AES off
	REG_TESTDAGC, 0x30, // fading margin improvement w/out low-beta offset
}
