package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC1 implements the two-register MBC1 ROM/RAM controller: a 5-bit ROM
// bank low register, a 2-bit register shared between ROM bank high bits and
// RAM bank select depending on mode, and a 1-bit mode select. ROM banking
// scales to 2MB (125 usable banks), RAM to 32KB across 4 banks.
type MBC1 struct {
	rom []byte
	ram []byte

	romLow5    byte // $2000-$3FFF: never observed as zero, coerced to 1 on write
	upperBits2 byte // $4000-$5FFF: ROM bank high bits (mode 0) or RAM bank (mode 1)
	ramEnabled bool
	ramMode    bool // false: mode 0 (ROM banking), true: mode 1 (RAM banking)
}

func NewMBC1(rom []byte, ramSize int) *MBC1 {
	m := &MBC1{rom: rom, romLow5: 1}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	return m
}

// zeroBankWindowOffset returns the byte offset into rom for the fixed
// $0000-$3FFF window. In mode 0 that's always bank 0; in mode 1 the upper
// bits register also reaches into this window, landing on bank 0x00, 0x20,
// 0x40 or 0x60 depending on its value.
func (m *MBC1) zeroBankWindowOffset(addr uint16) int {
	if !m.ramMode {
		return int(addr)
	}
	bank := int(m.upperBits2&0x03) << 5
	return bank*0x4000 + int(addr)
}

// switchableBankOffset returns the byte offset into rom for the $4000-$7FFF
// window, combining the low 5 bits with the upper 2 bits (always applied
// here regardless of mode). A written low5 of zero is coerced to 1 at write
// time, so the banks 0x00/0x20/0x40/0x60 can never be selected here; the
// controller lands on 0x01/0x21/0x41/0x61 instead.
func (m *MBC1) switchableBankOffset(addr uint16) int {
	bank := int(m.romLow5) | int(m.upperBits2&0x03)<<5
	return bank*0x4000 + int(addr-0x4000)
}

func (m *MBC1) ramBank() int {
	if m.ramMode {
		return int(m.upperBits2 & 0x03)
	}
	return 0
}

func (m *MBC1) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if off := m.zeroBankWindowOffset(addr); off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr < 0x8000:
		if off := m.switchableBankOffset(addr); off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return 0xFF
		}
		if off := m.ramBank()*0x2000 + int(addr-0xA000); off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC1) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		m.romLow5 = value & 0x1F
		if m.romLow5 == 0 {
			m.romLow5 = 1
		}
	case addr < 0x6000:
		m.upperBits2 = value & 0x03
	case addr < 0x8000:
		m.ramMode = value&0x01 != 0
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return
		}
		if off := m.ramBank()*0x2000 + int(addr-0xA000); off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

// SaveRAM returns a copy of external RAM for battery-backed carts.
func (m *MBC1) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

// LoadRAM restores external RAM from a previously saved battery image.
func (m *MBC1) LoadRAM(data []byte) {
	if len(m.ram) == 0 {
		return
	}
	n := len(data)
	if n > len(m.ram) {
		n = len(m.ram)
	}
	copy(m.ram, data[:n])
}

type mbc1State struct {
	RAM        []byte
	RomLow5    byte
	UpperBits2 byte
	RamEnabled bool
	RamMode    bool
}

func (m *MBC1) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(mbc1State{
		RAM:        m.ram,
		RomLow5:    m.romLow5,
		UpperBits2: m.upperBits2,
		RamEnabled: m.ramEnabled,
		RamMode:    m.ramMode,
	})
	return buf.Bytes()
}

func (m *MBC1) LoadState(data []byte) {
	if len(data) == 0 {
		return
	}
	var s mbc1State
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return
	}
	if len(s.RAM) == len(m.ram) {
		copy(m.ram, s.RAM)
	}
	m.romLow5 = s.RomLow5
	m.upperBits2 = s.UpperBits2
	m.ramEnabled = s.RamEnabled
	m.ramMode = s.RamMode
}
