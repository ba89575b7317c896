// Package romload loads ROM images from disk, transparently unwrapping a
// .zip archive to its first .gb/.gbc entry.
package romload

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/engineerr"
)

// Load reads a ROM from path. If path ends in .zip, the first .gb/.gbc
// entry found inside is returned instead of the archive bytes.
func Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return data, nil
	}
	return loadFromZip(data)
}

func loadFromZip(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(strings.NewReader(string(data)), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerr.ErrCorruptROM, err)
	}
	for _, f := range zr.File {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if ext != ".gb" && ext != ".gbc" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in archive: %w", f.Name, err)
		}
		defer rc.Close()
		rom, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s in archive: %w", f.Name, err)
		}
		return rom, nil
	}
	return nil, engineerr.ErrNoROMInArchive
}

// LoadBootROM reads a boot ROM image and validates its size (256 bytes for
// DMG, 2304 bytes for CGB).
func LoadBootROM(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) != 0x100 && len(data) != 0x900 {
		return nil, fmt.Errorf("%w: %s is %d bytes", engineerr.ErrBadBootROMSize, path, len(data))
	}
	return data, nil
}
