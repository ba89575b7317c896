package cart

import (
	"bytes"
	"encoding/gob"
	"time"
)

// nowUnix returns the current wall-clock time as Unix seconds. Replaced in
// tests to drive the RTC deterministically.
var nowUnix = func() int64 { return time.Now().Unix() }

// MBC3 implements ROM/RAM banking plus the MBC3 real-time clock.
// Banking behavior:
// - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
// - 2000-3FFF: ROM bank low 7 bits (0 maps to 1)
// - 4000-5FFF: RAM bank (0-3) or RTC register select (08-0C)
// - 6000-7FFF: Latch clock: writing 0x01 copies the live RTC registers into
//   the latched registers the CPU reads.
// - A000-BFFF: External RAM or latched RTC register, depending on the
//   4000-5FFF selection.
//
// RTC register layout (selected by writing 0x08-0x0C to 4000-5FFF):
//   0x08 seconds (0-59)
//   0x09 minutes (0-59)
//   0x0A hours (0-23)
//   0x0B day counter low 8 bits
//   0x0C day counter high bit (bit0), halt flag (bit6), day carry (bit7)

type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits (1..127)
	ramBank    byte // 0..3, valid when selectingRTC is false

	selectingRTC bool
	rtcSelect    byte // 0x08..0x0C

	rtcSec   byte
	rtcMin   byte
	rtcHour  byte
	rtcDay   int // 0..0x1FF
	rtcHalt  bool
	rtcCarry bool

	latchSec  byte
	latchMin  byte
	latchHour byte
	latchDay  int
	latchHalt bool
	latchCarry bool

	lastRTCWallSec int64
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom, lastRTCWallSec: nowUnix()}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	return m
}

// updateRTC folds elapsed wall-clock time into the live RTC registers.
// Runs on every Read, matching how real MBC3 carts keep ticking regardless
// of which register the CPU happens to be accessing. No-op while halted.
func (m *MBC3) updateRTC() {
	now := nowUnix()
	if m.rtcHalt {
		m.lastRTCWallSec = now
		return
	}
	delta := now - m.lastRTCWallSec
	if delta <= 0 {
		return
	}
	m.lastRTCWallSec = now
	m.addSeconds(delta)
}

func (m *MBC3) addSeconds(n int64) {
	if n <= 0 {
		return
	}
	sec := int64(m.rtcSec) + n
	min := int64(m.rtcMin) + sec/60
	sec %= 60
	hrs := int64(m.rtcHour) + min/60
	min %= 60
	day := int64(m.rtcDay) + hrs/24
	hrs %= 24
	if day > 0x1FF {
		day &= 0x1FF
		m.rtcCarry = true
	}
	m.rtcSec = byte(sec)
	m.rtcMin = byte(min)
	m.rtcHour = byte(hrs)
	m.rtcDay = int(day)
}

func (m *MBC3) Read(addr uint16) byte {
	m.updateRTC()
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x7F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if m.selectingRTC {
			switch m.rtcSelect {
			case 0x08:
				return m.latchSec
			case 0x09:
				return m.latchMin
			case 0x0A:
				return m.latchHour
			case 0x0B:
				return byte(m.latchDay & 0xFF)
			case 0x0C:
				var v byte
				if m.latchDay&0x100 != 0 {
					v |= 0x01
				}
				if m.latchHalt {
					v |= 0x40
				}
				if m.latchCarry {
					v |= 0x80
				}
				return v
			default:
				return 0xFF
			}
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		if value <= 0x03 {
			m.ramBank = value & 0x03
			m.selectingRTC = false
		} else if value >= 0x08 && value <= 0x0C {
			m.updateRTC()
			m.rtcSelect = value
			m.selectingRTC = true
		}
	case addr < 0x8000:
		if value == 0x01 {
			m.updateRTC()
			m.latchSec = m.rtcSec
			m.latchMin = m.rtcMin
			m.latchHour = m.rtcHour
			m.latchDay = m.rtcDay
			m.latchHalt = m.rtcHalt
			m.latchCarry = m.rtcCarry
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.selectingRTC {
			m.updateRTC()
			switch m.rtcSelect {
			case 0x08:
				m.rtcSec = value % 60
			case 0x09:
				m.rtcMin = value % 60
			case 0x0A:
				m.rtcHour = value % 24
			case 0x0B:
				m.rtcDay = (m.rtcDay &^ 0xFF) | int(value)
			case 0x0C:
				m.rtcDay = (m.rtcDay &^ 0x100) | int(value&0x01)<<8
				m.rtcHalt = value&0x40 != 0
				m.rtcCarry = value&0x80 != 0
			}
			return
		}
		if len(m.ram) == 0 {
			return
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

// mbc3SaveBlob is the format SaveRAM/LoadRAM exchange: the external RAM plus
// the RTC registers, mirroring how real MBC3 cartridges keep both in the
// same battery-backed chip.
type mbc3SaveBlob struct {
	RAM []byte

	Sec, Min, Hour byte
	Day            int
	Halt, Carry    bool
	LastWallSec    int64

	LatchSec, LatchMin, LatchHour byte
	LatchDay                      int
	LatchHalt, LatchCarry         bool
}

func (m *MBC3) SaveRAM() []byte {
	m.updateRTC()
	var buf bytes.Buffer
	s := mbc3SaveBlob{
		RAM:         append([]byte(nil), m.ram...),
		Sec:         m.rtcSec,
		Min:         m.rtcMin,
		Hour:        m.rtcHour,
		Day:         m.rtcDay,
		Halt:        m.rtcHalt,
		Carry:       m.rtcCarry,
		LastWallSec: m.lastRTCWallSec,
		LatchSec:    m.latchSec,
		LatchMin:    m.latchMin,
		LatchHour:   m.latchHour,
		LatchDay:    m.latchDay,
		LatchHalt:   m.latchHalt,
		LatchCarry:  m.latchCarry,
	}
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(data) == 0 {
		return
	}
	var s mbc3SaveBlob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	if len(m.ram) > 0 && len(s.RAM) == len(m.ram) {
		copy(m.ram, s.RAM)
	}
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = s.Sec, s.Min, s.Hour, s.Day
	m.rtcHalt, m.rtcCarry = s.Halt, s.Carry
	m.lastRTCWallSec = s.LastWallSec
	m.latchSec, m.latchMin, m.latchHour, m.latchDay = s.LatchSec, s.LatchMin, s.LatchHour, s.LatchDay
	m.latchHalt, m.latchCarry = s.LatchHalt, s.LatchCarry
}

type mbc3State struct {
	RomBank    byte
	RamBank    byte
	RamEnabled bool

	Selecting bool
	RTCSelect byte

	RAMBlob []byte
}

// SaveState snapshots banking state plus the RTC/RAM blob used by
// SaveRAM, so a full emulator save captures the clock too.
func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	s := mbc3State{
		RomBank:    m.romBank,
		RamBank:    m.ramBank,
		RamEnabled: m.ramEnabled,
		Selecting:  m.selectingRTC,
		RTCSelect:  m.rtcSelect,
		RAMBlob:    m.SaveRAM(),
	}
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	if len(data) == 0 {
		return
	}
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.romBank = s.RomBank
	m.ramBank = s.RamBank
	m.ramEnabled = s.RamEnabled
	m.selectingRTC = s.Selecting
	m.rtcSelect = s.RTCSelect
	m.LoadRAM(s.RAMBlob)
}
