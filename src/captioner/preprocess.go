package captioner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Pixels is a normalised image laid out channel first, [1, Channels, Height, Width].
type Pixels struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

func (p Pixels) Shape() []int64 {
	return []int64{1, int64(p.Channels), int64(p.Height), int64(p.Width)}
}

// Preprocessor turns an RGB image into the tensor layout the vision encoder expects.
type Preprocessor struct {
	Width         int
	Height        int
	RescaleFactor float32
	Mean          [3]float32
	Std           [3]float32
}

// NewBlipPreprocessor returns the preprocessing used by blip-image-captioning-base.
func NewBlipPreprocessor() *Preprocessor {
	return &Preprocessor{
		Width:         384,
		Height:        384,
		RescaleFactor: 1.0 / 255.0,
		Mean:          [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:           [3]float32{0.26862954, 0.26130258, 0.27577711},
	}
}

type preprocessorConfig struct {
	ImageMean     []float32       `json:"image_mean"`
	ImageStd      []float32       `json:"image_std"`
	RescaleFactor float32         `json:"rescale_factor"`
	Size          json.RawMessage `json:"size"`
}

// LoadPreprocessor reads preprocessor_config.json from modelDir. Missing
// fields keep the BLIP defaults.
func LoadPreprocessor(modelDir string) (*Preprocessor, error) {
	p := NewBlipPreprocessor()

	data, err := os.ReadFile(filepath.Join(modelDir, "preprocessor_config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("%w: reading preprocessor config: %v", ErrModelUnavailable, err)
	}

	var cfg preprocessorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing preprocessor config: %v", ErrModelUnavailable, err)
	}
	if len(cfg.ImageMean) == 3 {
		copy(p.Mean[:], cfg.ImageMean)
	}
	if len(cfg.ImageStd) == 3 {
		copy(p.Std[:], cfg.ImageStd)
	}
	if cfg.RescaleFactor > 0 {
		p.RescaleFactor = cfg.RescaleFactor
	}
	if len(cfg.Size) > 0 {
		// size is either {"height": h, "width": w} or a single int
		var hw struct {
			Height int `json:"height"`
			Width  int `json:"width"`
		}
		var square int
		if err := json.Unmarshal(cfg.Size, &hw); err == nil && hw.Height > 0 && hw.Width > 0 {
			p.Height, p.Width = hw.Height, hw.Width
		} else if err := json.Unmarshal(cfg.Size, &square); err == nil && square > 0 {
			p.Height, p.Width = square, square
		}
	}
	for _, s := range p.Std {
		if s == 0 {
			return nil, fmt.Errorf("%w: preprocessor std must not be zero", ErrModelUnavailable)
		}
	}
	return p, nil
}

// Uploads larger than this are refused before their pixels are allocated.
const (
	MaxImageSide   = 16384
	MaxImagePixels = 40_000_000
)

// DecodeImage decodes a JPEG or PNG upload. Anything else, and anything
// larger than MaxImageSide or MaxImagePixels, is ErrInvalidImage.
func DecodeImage(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidImage, format)
	}
	if cfg.Width > MaxImageSide || cfg.Height > MaxImageSide || cfg.Width*cfg.Height > MaxImagePixels {
		return nil, fmt.Errorf("%w: image of %dx%d pixels is too large", ErrInvalidImage, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// DecodeImageFile is DecodeImage for a file on disk.
func DecodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer f.Close()
	return DecodeImage(f)
}

// Process converts img to RGB, resizes it and normalises every channel.
func (p *Preprocessor) Process(img image.Image) (Pixels, error) {
	if img == nil {
		return Pixels{}, fmt.Errorf("%w: no image", ErrInvalidImage)
	}
	bounds := img.Bounds()
	if bounds.Dx() < 1 || bounds.Dy() < 1 {
		return Pixels{}, fmt.Errorf("%w: empty image %dx%d", ErrInvalidImage, bounds.Dx(), bounds.Dy())
	}

	resized := imaging.Resize(toRGB(img), p.Width, p.Height, imaging.CatmullRom)

	H, W := p.Height, p.Width
	plane := H * W
	data := make([]float32, 3*plane)
	for y := 0; y < H; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < W; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) * p.RescaleFactor
				data[c*plane+y*W+x] = (v - p.Mean[c]) / p.Std[c]
			}
		}
	}
	return Pixels{Data: data, Channels: 3, Height: H, Width: W}, nil
}

// toRGB drops the alpha channel without compositing, keeping the colour values.
func toRGB(img image.Image) *image.NRGBA {
	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return rgb
}
