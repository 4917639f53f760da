package captioner

import (
	"context"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"
)

const junk = 1e-9

// tableDecoder scores the next token from the last token of each sequence.
// Tokens missing from a row get a tiny probability, rows missing from the
// table are uniform.
type tableDecoder struct {
	vocab int
	next  map[int32]map[int32]float64
	err   error

	mu    sync.Mutex
	calls int
}

func (d *tableDecoder) NextLogits(ctx context.Context, sequences [][]int32) ([][]float32, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([][]float32, len(sequences))
	for i, seq := range sequences {
		row := make([]float32, d.vocab)
		probs, ok := d.next[seq[len(seq)-1]]
		for tok := range row {
			if !ok {
				continue
			}
			p := probs[int32(tok)]
			if p == 0 {
				p = junk
			}
			row[tok] = float32(math.Log(p))
		}
		out[i] = row
	}
	return out, nil
}

const (
	tokPad int32 = iota
	tokBOS
	tokA
	tokDog
	tokRunning
	tokOn
	tokGrass
	tokEOS
)

var dogWords = map[int32]string{
	tokA:       "a",
	tokDog:     "dog",
	tokRunning: "running",
	tokOn:      "on",
	tokGrass:   "grass",
}

func dogDecoder() *tableDecoder {
	return &tableDecoder{
		vocab: 8,
		next: map[int32]map[int32]float64{
			tokBOS:     {tokA: 0.9},
			tokA:       {tokDog: 0.9},
			tokDog:     {tokRunning: 0.9},
			tokRunning: {tokOn: 0.9},
			tokOn:      {tokGrass: 0.9},
			tokGrass:   {tokEOS: 0.9},
		},
	}
}

type wordTokenizer struct {
	words   map[int32]string
	special map[int32]bool
	closed  *int
}

func (t wordTokenizer) Close() error {
	if t.closed != nil {
		*t.closed++
	}
	return nil
}

func (t wordTokenizer) Decode(ids []int32, skipSpecialTokens bool) string {
	var parts []string
	for _, id := range ids {
		if skipSpecialTokens && t.special[id] {
			continue
		}
		if w, ok := t.words[id]; ok {
			parts = append(parts, w)
		}
	}
	return strings.Join(parts, " ")
}

type fakeModel struct {
	decoder  *tableDecoder
	err      error
	closeErr error
	closed   int

	mu      sync.Mutex
	encodes int
	pixels  Pixels
}

func (m *fakeModel) Encode(ctx context.Context, pixels Pixels) (Decoder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encodes++
	m.pixels = pixels
	if m.err != nil {
		return nil, m.err
	}
	return m.decoder, nil
}

func (m *fakeModel) Close() error {
	m.closed++
	return m.closeErr
}

func dogPipeline(model *fakeModel) *Pipeline {
	return &Pipeline{
		Preprocessor: NewBlipPreprocessor(),
		Model:        model,
		Tokenizer: wordTokenizer{
			words:   dogWords,
			special: map[int32]bool{tokPad: true, tokBOS: true, tokEOS: true},
		},
		Tokens:   SpecialTokens{BOS: tokBOS, EOS: tokEOS, Pad: tokPad},
		Decoding: DefaultDecodingOptions(),
	}
}

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}
