package ppu

// RenderWindowScanlineUsingFetcher renders the window's contribution to a scanline
// using the isolated BG fetcher. winXStart is WX-7 and may be negative (window
// pixels scrolled off the left edge are discarded); pixels left of winXStart
// are left at zero since the caller already holds the BG pixels for that range.
func RenderWindowScanlineUsingFetcher(mem VRAMReader, mapBase uint16, tileData8000 bool, winXStart int, fineY byte) [160]byte {
	var out [160]byte
	if winXStart >= 160 {
		return out
	}

	discard := 0
	if winXStart < 0 {
		discard = -winXStart
	}
	startX := 0
	if winXStart > 0 {
		startX = winXStart
	}

	tileX := uint16(0)
	tileIndexAddr := mapBase + tileX

	var q fifo
	f := newBGFetcher(mem, &q)
	f.Configure(mapBase, tileData8000, tileIndexAddr, fineY&7)
	f.Fetch()

	nextTile := func() {
		tileX++
		tileIndexAddr = mapBase + tileX
		f.Configure(mapBase, tileData8000, tileIndexAddr, fineY&7)
		f.Fetch()
	}

	for i := 0; i < discard; i++ {
		if q.Len() == 0 {
			nextTile()
		}
		_, _ = q.Pop()
	}

	for x := startX; x < 160; x++ {
		if q.Len() == 0 {
			nextTile()
		}
		px, _ := q.Pop()
		out[x] = px
	}
	return out
}
