package ppu

// bankedVRAMReader is the CGB-aware VRAM accessor: bank 0 holds tile indices
// and tile data, bank 1 holds the BG-map attribute byte at the same map
// addresses (and optionally tile data when the attribute bank bit is set).
type bankedVRAMReader interface {
	VRAMReader
	ReadBank(bank int, addr uint16) byte
}

// decodeBGAttr splits a CGB BG-map attribute byte into its fields per §4.4:
// bit7 BG-to-OAM priority, bit6 Y-flip, bit5 X-flip, bit3 VRAM bank, bits0-2 palette.
func decodeBGAttr(attr byte) (priority, yflip, xflip bool, bank int, pal byte) {
	priority = attr&0x80 != 0
	yflip = attr&0x40 != 0
	xflip = attr&0x20 != 0
	if attr&0x08 != 0 {
		bank = 1
	}
	pal = attr & 0x07
	return
}

func fetchCGBTileRow(mem bankedVRAMReader, tileData8000 bool, mapAddr, attrAddr uint16, fineY byte) (lo, hi byte, bank int, pal byte, priority bool) {
	attr := mem.ReadBank(1, attrAddr)
	priority, yflip, xflip, bank, pal := decodeBGAttr(attr)
	row := fineY & 7
	if yflip {
		row = 7 - row
	}
	tileNum := mem.ReadBank(0, mapAddr)
	var base uint16
	if tileData8000 {
		base = 0x8000 + uint16(tileNum)*16 + uint16(row)*2
	} else {
		base = 0x9000 + uint16(int8(tileNum))*16 + uint16(row)*2
	}
	lo = mem.ReadBank(bank, base)
	hi = mem.ReadBank(bank, base+1)
	if xflip {
		lo = reverseBits(lo)
		hi = reverseBits(hi)
	}
	return lo, hi, bank, pal, priority
}

func reverseBits(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		out <<= 1
		out |= b & 1
		b >>= 1
	}
	return out
}

// RenderBGScanlineCGB renders 160 BG pixels for scanline ly, returning per-pixel
// color index, CGB BG palette number, and BG-to-OAM priority, decoded from the
// BG-map attribute byte in VRAM bank 1 (§4.4).
func RenderBGScanlineCGB(mem bankedVRAMReader, mapBase, attrsBase uint16, tileData8000 bool, scx, scy, ly byte) (ci [160]byte, pal [160]byte, pri [160]bool) {
	bgY := uint16(ly) + uint16(scy)
	fineY := byte(bgY & 7)
	mapY := (bgY >> 3) & 31

	startX := uint16(scx)
	tileX := (startX >> 3) & 31
	fineX := int(startX & 7)

	readTile := func(col uint16) (lo, hi byte, p byte, priority bool) {
		mapAddr := mapBase + mapY*32 + col
		attrAddr := attrsBase + mapY*32 + col
		l, h, _, pp, prr := fetchCGBTileRow(mem, tileData8000, mapAddr, attrAddr, fineY)
		return l, h, pp, prr
	}

	lo, hi, p, prr := readTile(tileX)
	bit := 7 - fineX
	x := 0
	col := fineX
	for x < 160 {
		c := ((hi>>uint(bit))&1)<<1 | ((lo >> uint(bit)) & 1)
		ci[x] = c
		pal[x] = p
		pri[x] = prr
		x++
		col++
		if col == 8 {
			col = 0
			tileX = (tileX + 1) & 31
			lo, hi, p, prr = readTile(tileX)
			bit = 7
		} else {
			bit--
		}
	}
	return
}

// RenderWindowScanlineCGB renders the window's contribution starting at
// winXStart (WX-7), returning color index, palette, and BG-to-OAM priority.
func RenderWindowScanlineCGB(mem bankedVRAMReader, mapBase, attrsBase uint16, tileData8000 bool, winXStart int, winLine byte) (ci [160]byte, pal [160]byte, pri [160]bool) {
	if winXStart >= 160 {
		return
	}
	fineY := winLine & 7
	tileRow := uint16(winLine/8) * 32

	discard := 0
	if winXStart < 0 {
		discard = -winXStart
	}
	startX := 0
	if winXStart > 0 {
		startX = winXStart
	}

	tileCol := uint16(0)
	readTile := func(col uint16) (lo, hi byte, p byte, priority bool) {
		mapAddr := mapBase + tileRow + col
		attrAddr := attrsBase + tileRow + col
		l, h, _, pp, prr := fetchCGBTileRow(mem, tileData8000, mapAddr, attrAddr, fineY)
		return l, h, pp, prr
	}

	lo, hi, p, prr := readTile(tileCol)
	bit := 7
	col := 0

	advance := func() {
		col++
		if col == 8 {
			col = 0
			tileCol++
			lo, hi, p, prr = readTile(tileCol)
			bit = 7
		} else {
			bit--
		}
	}

	for i := 0; i < discard; i++ {
		advance()
	}

	for x := startX; x < 160; x++ {
		c := ((hi>>uint(bit))&1)<<1 | ((lo >> uint(bit)) & 1)
		ci[x] = c
		pal[x] = p
		pri[x] = prr
		advance()
	}
	return
}
