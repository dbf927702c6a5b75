// Package codec encodes history entries for the durable store.
//
// Every entry starts with a 9-byte header: a format tag followed by the
// little-endian uint32 width and height. The payload depends on the tag:
//
//	0 raw    width*height*4 NRGBA bytes, row-major
//	1 lossy  uint32 JPEG length, JPEG of the RGB channels, width*height alpha bytes
//	2 zstd   zstd-compressed raw payload
//	3 stack  uint32 JSON length, JSON metadata, then per layer a uint32
//	         length and a nested image entry (tags 0-2)
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Format is the entry tag.
type Format uint8

const (
	FormatRaw   Format = 0
	FormatLossy Format = 1
	FormatZstd  Format = 2
	FormatStack Format = 3
)

const (
	headerSize = 9
	// maxSide bounds decoded dimensions so a corrupt header cannot trigger
	// a huge allocation.
	maxSide = 1 << 15
	// maxDecodedBytes caps any single zstd window or frame.
	maxDecodedBytes = 1 << 30

	DefaultQuality = 90
)

var (
	ErrUnknownFormat = errors.New("unknown entry format")
	ErrCorrupt       = errors.New("corrupt entry")
)

var formatNames = map[Format]string{
	FormatRaw:   "raw",
	FormatLossy: "lossy",
	FormatZstd:  "zstd",
	FormatStack: "stack",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// ParseFormat maps a config value to an image format. The stack envelope
// is chosen by the history mode, not by name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw":
		return FormatRaw, nil
	case "lossy", "jpeg":
		return FormatLossy, nil
	case "zstd", "":
		return FormatZstd, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Options controls image encoding.
type Options struct {
	Format Format
	// Quality is the JPEG quality for FormatLossy (default DefaultQuality).
	Quality int
}

// Header describes an encoded entry without decoding its payload.
type Header struct {
	Format Format
	Width  int
	Height int
}

// Peek parses the entry header.
func Peek(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}
	h := Header{
		Format: Format(data[0]),
		Width:  int(binary.LittleEndian.Uint32(data[1:5])),
		Height: int(binary.LittleEndian.Uint32(data[5:9])),
	}
	if _, ok := formatNames[h.Format]; !ok {
		return h, fmt.Errorf("%w: tag %d", ErrUnknownFormat, data[0])
	}
	if h.Width <= 0 || h.Height <= 0 || h.Width > maxSide || h.Height > maxSide {
		return h, fmt.Errorf("%w: dimensions %dx%d", ErrCorrupt, h.Width, h.Height)
	}
	return h, nil
}

func putHeader(buf *bytes.Buffer, f Format, w, h int) {
	var hdr [headerSize]byte
	hdr[0] = byte(f)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(w))
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(h))
	buf.Write(hdr[:])
}

func putUint32(buf *bytes.Buffer, v int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

// readChunk splits a uint32 length-prefixed chunk off data.
func readChunk(data []byte) (chunk, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated length prefix", ErrCorrupt)
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if n < 0 || n > len(data)-4 {
		return nil, nil, fmt.Errorf("%w: chunk of %d bytes exceeds %d remaining", ErrCorrupt, n, len(data)-4)
	}
	return data[4 : 4+n], data[4+n:], nil
}

// EncodeImage encodes img with opts.Format (raw, lossy or zstd).
func EncodeImage(img *image.NRGBA, opts Options) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("cannot encode empty image %v", b)
	}

	var buf bytes.Buffer
	switch opts.Format {
	case FormatRaw:
		buf.Grow(headerSize + w*h*4)
		putHeader(&buf, FormatRaw, w, h)
		buf.Write(rawPixels(img))
	case FormatZstd:
		packed, err := compressZstd(rawPixels(img))
		if err != nil {
			return nil, fmt.Errorf("zstd encode: %w", err)
		}
		putHeader(&buf, FormatZstd, w, h)
		buf.Write(packed)
	case FormatLossy:
		putHeader(&buf, FormatLossy, w, h)
		if err := encodeLossy(&buf, img, opts.Quality); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode an image as %s", ErrUnknownFormat, opts.Format)
	}
	return buf.Bytes(), nil
}

// DecodeImage decodes a raw, lossy or zstd entry into an image at the origin.
func DecodeImage(data []byte) (*image.NRGBA, error) {
	hdr, err := Peek(data)
	if err != nil {
		return nil, err
	}
	payload := data[headerSize:]
	rect := image.Rect(0, 0, hdr.Width, hdr.Height)

	switch hdr.Format {
	case FormatRaw:
		return fromRaw(rect, payload)
	case FormatZstd:
		raw, err := decompressZstd(payload, rect.Dx()*rect.Dy()*4)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decode: %w", ErrCorrupt, err)
		}
		return fromRaw(rect, raw)
	case FormatLossy:
		return decodeLossy(rect, payload)
	default:
		return nil, fmt.Errorf("%w: %s is not an image entry", ErrUnknownFormat, hdr.Format)
	}
}

// rawPixels returns the image's pixels as tightly packed rows.
func rawPixels(img *image.NRGBA) []byte {
	b := img.Bounds()
	rowLen := b.Dx() * 4
	if img.Stride == rowLen && len(img.Pix) == rowLen*b.Dy() {
		return img.Pix
	}
	out := make([]byte, 0, rowLen*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		out = append(out, img.Pix[off:off+rowLen]...)
	}
	return out
}

func fromRaw(rect image.Rectangle, raw []byte) (*image.NRGBA, error) {
	want := rect.Dx() * rect.Dy() * 4
	if len(raw) != want {
		return nil, fmt.Errorf("%w: raw payload is %d bytes, want %d", ErrCorrupt, len(raw), want)
	}
	img := image.NewNRGBA(rect)
	copy(img.Pix, raw)
	return img, nil
}

func encodeLossy(buf *bytes.Buffer, img *image.NRGBA, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	// JPEG reads premultiplied colour, so encode an opaque copy and keep
	// alpha in its own plane.
	opaque := image.NewNRGBA(image.Rect(0, 0, w, h))
	alpha := make([]byte, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			alpha = append(alpha, c.A)
			c.A = 255
			opaque.SetNRGBA(x, y, c)
		}
	}

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, opaque, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("jpeg encode: %w", err)
	}
	putUint32(buf, jpg.Len())
	buf.Write(jpg.Bytes())
	buf.Write(alpha)
	return nil
}

func decodeLossy(rect image.Rectangle, payload []byte) (*image.NRGBA, error) {
	jpg, alpha, err := readChunk(payload)
	if err != nil {
		return nil, err
	}
	w, h := rect.Dx(), rect.Dy()
	if len(alpha) != w*h {
		return nil, fmt.Errorf("%w: alpha plane is %d bytes, want %d", ErrCorrupt, len(alpha), w*h)
	}

	src, err := jpeg.Decode(bytes.NewReader(jpg))
	if err != nil {
		return nil, fmt.Errorf("%w: jpeg decode: %w", ErrCorrupt, err)
	}
	sb := src.Bounds()
	if sb.Dx() != w || sb.Dy() != h {
		return nil, fmt.Errorf("%w: jpeg is %dx%d, header says %dx%d", ErrCorrupt, sb.Dx(), sb.Dy(), w, h)
	}

	img := image.NewNRGBA(rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := src.At(sb.Min.X+x, sb.Min.Y+y).RGBA()
			i := img.PixOffset(x, y)
			img.Pix[i+0] = uint8(r >> 8)
			img.Pix[i+1] = uint8(g >> 8)
			img.Pix[i+2] = uint8(b >> 8)
			img.Pix[i+3] = alpha[y*w+x]
		}
	}
	return img, nil
}

var zstdEncPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil)
		return enc
	},
}

var zstdDecPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
		return dec
	},
}

func compressZstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	enc := zstdEncPool.Get().(*zstd.Encoder)
	enc.Reset(&buf)

	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		zstdEncPool.Put(enc)
		return nil, err
	}
	if err := enc.Close(); err != nil {
		zstdEncPool.Put(enc)
		return nil, err
	}

	zstdEncPool.Put(enc)
	return buf.Bytes(), nil
}

// decompressZstd inflates data, failing once the output passes limit bytes.
func decompressZstd(data []byte, limit int) ([]byte, error) {
	dec := zstdDecPool.Get().(*zstd.Decoder)
	defer zstdDecPool.Put(dec)

	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	n, err := out.ReadFrom(io.LimitReader(dec, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if n > int64(limit) {
		return nil, fmt.Errorf("output exceeds %d bytes", limit)
	}
	return out.Bytes(), nil
}
