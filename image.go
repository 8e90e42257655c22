// Package imgfetch implements an image-fetch pipeline: it turns a request
// (URL plus processing and caching options) into a decoded, processed,
// ready-to-render image while deduplicating concurrent requests, caching at
// two tiers (in-memory decoded images, on-disk encoded data), resuming
// interrupted downloads, and propagating priority and cancellation through
// the chain of stage queues.
package imgfetch

// Image is a decoded, platform-neutral image. Codecs are external
// collaborators; the pipeline only moves Images between stages and
// estimates their memory cost.
type Image struct {
	Pixels []byte
	Width  int
	Height int
	Format string
}

// estimatedCost approximates the decoded pixel-buffer size for the memory
// cache, falling back to 4 bytes per pixel when the buffer isn't populated.
func (img *Image) estimatedCost() int64 {
	if img == nil {
		return 0
	}
	if len(img.Pixels) > 0 {
		return int64(len(img.Pixels))
	}
	return int64(4 * img.Width * img.Height)
}

// Decoder turns raw downloaded bytes into a decoded Image.
type Decoder interface {
	Decode(data []byte) (*Image, error)
}

// Encoder serializes a decoded Image into bytes for disk storage.
// Returning (nil, nil) means the image is not encodable and the disk write
// is skipped.
type Encoder interface {
	Encode(img *Image) ([]byte, error)
}

// Processor transforms a decoded image. ID must be a stable identity
// string: it participates in cache-key construction, so two processors with
// the same ID must produce the same output for the same input.
type Processor interface {
	ID() string
	Process(img *Image) (*Image, error)
}
