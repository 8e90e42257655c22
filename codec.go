package imgfetch

import "errors"

// RawCodec is a trivial Decoder/Encoder pair that treats the byte payload
// itself as the pixel buffer. Real deployments plug in platform codecs;
// RawCodec exists for tests, tools, and callers that only want the
// caching/transfer machinery.
type RawCodec struct{}

func (RawCodec) Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	pixels := make([]byte, len(data))
	copy(pixels, data)
	return &Image{Pixels: pixels, Format: "raw"}, nil
}

func (RawCodec) Encode(img *Image) ([]byte, error) {
	if img == nil || len(img.Pixels) == 0 {
		return nil, nil
	}
	data := make([]byte, len(img.Pixels))
	copy(data, img.Pixels)
	return data, nil
}
