package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
)

const (
	icoHeaderLen    = 6
	icoEntryLen     = 16
	bmpFileHeader   = 14
	bmpInfoLen      = 40
	icoTypeIcon     = 1
	icoMaxEntries   = 256
	pngSignature    = "\x89PNG\r\n\x1a\n"
	icoMagicPrefix  = "\x00\x00\x01\x00"
	biRGBCompressed = 0
)

var errICO = errors.New("ico: malformed container")

func init() {
	image.RegisterFormat("ico", icoMagicPrefix, decodeICO, decodeICOConfig)
}

type icoEntry struct {
	width, height int
	bitCount      int
	size          uint32
	offset        uint32
}

// parseICO reads the directory and returns the largest entry.
func parseICO(data []byte) (icoEntry, error) {
	if len(data) < icoHeaderLen {
		return icoEntry{}, errICO
	}
	if binary.LittleEndian.Uint16(data[0:2]) != 0 || binary.LittleEndian.Uint16(data[2:4]) != icoTypeIcon {
		return icoEntry{}, errICO
	}
	count := int(binary.LittleEndian.Uint16(data[4:6]))
	if count == 0 || count > icoMaxEntries || len(data) < icoHeaderLen+count*icoEntryLen {
		return icoEntry{}, fmt.Errorf("%w: %d entries", errICO, count)
	}

	var best icoEntry
	found := false
	for i := 0; i < count; i++ {
		raw := data[icoHeaderLen+i*icoEntryLen:]
		e := icoEntry{
			width:    int(raw[0]),
			height:   int(raw[1]),
			bitCount: int(binary.LittleEndian.Uint16(raw[6:8])),
			size:     binary.LittleEndian.Uint32(raw[8:12]),
			offset:   binary.LittleEndian.Uint32(raw[12:16]),
		}
		if e.width == 0 {
			e.width = 256
		}
		if e.height == 0 {
			e.height = 256
		}
		end := uint64(e.offset) + uint64(e.size)
		if e.size == 0 || end > uint64(len(data)) {
			continue
		}
		area, bestArea := e.width*e.height, best.width*best.height
		if !found || area > bestArea || (area == bestArea && e.bitCount > best.bitCount) {
			best = e
			found = true
		}
	}
	if !found {
		return icoEntry{}, fmt.Errorf("%w: no readable entry", errICO)
	}
	return best, nil
}

func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ico: read: %w", err)
	}
	return data, nil
}

func decodeICO(r io.Reader) (image.Image, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, err
	}
	entry, err := parseICO(data)
	if err != nil {
		return nil, err
	}
	payload := data[entry.offset : entry.offset+entry.size]
	if bytes.HasPrefix(payload, []byte(pngSignature)) {
		return png.Decode(bytes.NewReader(payload))
	}
	file, err := dibToBMP(payload)
	if err != nil {
		return nil, err
	}
	return bmp.Decode(bytes.NewReader(file))
}

func decodeICOConfig(r io.Reader) (image.Config, error) {
	data, err := readAll(r)
	if err != nil {
		return image.Config{}, err
	}
	entry, err := parseICO(data)
	if err != nil {
		return image.Config{}, err
	}
	payload := data[entry.offset : entry.offset+entry.size]
	if bytes.HasPrefix(payload, []byte(pngSignature)) {
		return png.DecodeConfig(bytes.NewReader(payload))
	}
	file, err := dibToBMP(payload)
	if err != nil {
		return image.Config{}, err
	}
	return bmp.DecodeConfig(bytes.NewReader(file))
}

// dibToBMP turns an ICO bitmap entry into a standalone BMP file. The DIB
// height covers both the color and the AND mask, so it is halved; the
// trailing mask rows are ignored by the decoder.
func dibToBMP(dib []byte) ([]byte, error) {
	if len(dib) < bmpInfoLen {
		return nil, fmt.Errorf("%w: short bitmap header", errICO)
	}
	headerLen := binary.LittleEndian.Uint32(dib[0:4])
	if headerLen != bmpInfoLen {
		return nil, fmt.Errorf("%w: bitmap header length %d", errICO, headerLen)
	}
	info := make([]byte, len(dib))
	copy(info, dib)

	height := int32(binary.LittleEndian.Uint32(info[8:12]))
	binary.LittleEndian.PutUint32(info[8:12], uint32(height/2))

	bitCount := binary.LittleEndian.Uint16(info[14:16])
	if binary.LittleEndian.Uint32(info[16:20]) != biRGBCompressed {
		return nil, fmt.Errorf("%w: compressed bitmap", errICO)
	}
	var paletteLen uint32
	if bitCount <= 8 {
		colors := binary.LittleEndian.Uint32(info[32:36])
		if colors == 0 {
			colors = 1 << bitCount
			binary.LittleEndian.PutUint32(info[32:36], colors)
		}
		paletteLen = colors * 4
	}

	pixelOffset := uint32(bmpFileHeader) + headerLen + paletteLen
	out := make([]byte, bmpFileHeader, bmpFileHeader+len(info))
	out[0], out[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(out[2:6], uint32(bmpFileHeader+len(info)))
	binary.LittleEndian.PutUint32(out[10:14], pixelOffset)
	return append(out, info...), nil
}
