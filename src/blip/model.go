package blip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	tf "github.com/tensorflow/tensorflow/tensorflow/go"

	"github.com/bbernhard/caption-playground/src/captioner"
)

// GraphNames are the operations of the exported SavedModel, written as
// "operation" or "operation:output".
type GraphNames struct {
	EncoderPixelValues string `json:"encoder_pixel_values"`
	EncoderImageEmbeds string `json:"encoder_image_embeds"`
	DecoderInputIDs    string `json:"decoder_input_ids"`
	DecoderImageEmbeds string `json:"decoder_image_embeds"`
	DecoderLogits      string `json:"decoder_logits"`
}

func DefaultGraphNames() GraphNames {
	return GraphNames{
		EncoderPixelValues: "serving_encode_pixel_values",
		EncoderImageEmbeds: "StatefulPartitionedCall:0",
		DecoderInputIDs:    "serving_decode_input_ids",
		DecoderImageEmbeds: "serving_decode_image_embeds",
		DecoderLogits:      "StatefulPartitionedCall_1:0",
	}
}

// TensorflowModel runs the BLIP vision encoder and text decoder exported as
// one SavedModel.
type TensorflowModel struct {
	model *tf.SavedModel

	encoderPixels tf.Output
	encoderEmbeds tf.Output
	decoderIDs    tf.Output
	decoderEmbeds tf.Output
	decoderLogits tf.Output
}

func LoadTensorflowModel(exportDir string, names GraphNames) (*TensorflowModel, error) {
	model, err := tf.LoadSavedModel(exportDir, []string{"serve"}, nil)
	if err != nil {
		log.Debug("[Main] Couldn't load saved model: ", err.Error())
		return nil, fmt.Errorf("%w: loading saved model: %v", captioner.ErrModelUnavailable, err)
	}

	m := &TensorflowModel{model: model}
	outputs := []struct {
		name string
		dst  *tf.Output
	}{
		{names.EncoderPixelValues, &m.encoderPixels},
		{names.EncoderImageEmbeds, &m.encoderEmbeds},
		{names.DecoderInputIDs, &m.decoderIDs},
		{names.DecoderImageEmbeds, &m.decoderEmbeds},
		{names.DecoderLogits, &m.decoderLogits},
	}
	for _, o := range outputs {
		out, err := lookupOutput(model.Graph, o.name)
		if err != nil {
			model.Session.Close()
			return nil, err
		}
		*o.dst = out
	}
	return m, nil
}

func lookupOutput(graph *tf.Graph, name string) (tf.Output, error) {
	opName, index := name, 0
	if i := strings.LastIndex(name, ":"); i >= 0 {
		n, err := strconv.Atoi(name[i+1:])
		if err != nil {
			return tf.Output{}, fmt.Errorf("%w: bad output name %q", captioner.ErrModelUnavailable, name)
		}
		opName, index = name[:i], n
	}
	op := graph.Operation(opName)
	if op == nil {
		return tf.Output{}, fmt.Errorf("%w: graph has no operation %q", captioner.ErrModelUnavailable, opName)
	}
	if index >= op.NumOutputs() {
		return tf.Output{}, fmt.Errorf("%w: operation %q has no output %d", captioner.ErrModelUnavailable, opName, index)
	}
	return op.Output(index), nil
}

func (m *TensorflowModel) Encode(ctx context.Context, pixels captioner.Pixels) (captioner.Decoder, error) {
	tensor, err := pixelTensor(pixels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", captioner.ErrInvalidImage, err)
	}

	output, err := m.model.Session.Run(
		map[tf.Output]*tf.Tensor{
			m.encoderPixels: tensor,
		},
		[]tf.Output{
			m.encoderEmbeds,
		},
		nil)
	if err != nil {
		log.Debug("[Captioning] Couldn't run vision encoder: ", err.Error())
		return nil, fmt.Errorf("%w: vision encoder: %v", captioner.ErrInferenceFailed, err)
	}

	// [batch, patches, hidden] with a batch of one image
	embeds, ok := output[0].Value().([][][]float32)
	if !ok || len(embeds) != 1 {
		return nil, fmt.Errorf("%w: unexpected image embeds shape %v", captioner.ErrInferenceFailed, output[0].Shape())
	}
	return &tensorflowDecoder{
		model:  m,
		embeds: embeds[0],
		tiled:  make(map[int]*tf.Tensor),
	}, nil
}

func (m *TensorflowModel) Close() error {
	return m.model.Session.Close()
}

// pixelTensor reshapes the flat channel-first pixels into [1][C][H][W].
func pixelTensor(p captioner.Pixels) (*tf.Tensor, error) {
	if len(p.Data) != p.Channels*p.Height*p.Width {
		return nil, fmt.Errorf("pixel buffer has %d values, want %dx%dx%d", len(p.Data), p.Channels, p.Height, p.Width)
	}
	channels := make([][][]float32, p.Channels)
	for c := range channels {
		rows := make([][]float32, p.Height)
		for y := range rows {
			start := (c*p.Height + y) * p.Width
			rows[y] = p.Data[start : start+p.Width]
		}
		channels[c] = rows
	}
	return tf.NewTensor([][][][]float32{channels})
}

// tensorflowDecoder is bound to the embeddings of one image. It is used by a
// single beam search and is not safe for concurrent use.
type tensorflowDecoder struct {
	model  *TensorflowModel
	embeds [][]float32
	tiled  map[int]*tf.Tensor
}

func (d *tensorflowDecoder) embedsFor(batch int) (*tf.Tensor, error) {
	if t, ok := d.tiled[batch]; ok {
		return t, nil
	}
	tiled := make([][][]float32, batch)
	for i := range tiled {
		tiled[i] = d.embeds
	}
	t, err := tf.NewTensor(tiled)
	if err != nil {
		return nil, err
	}
	d.tiled[batch] = t
	return t, nil
}

func (d *tensorflowDecoder) NextLogits(ctx context.Context, sequences [][]int32) ([][]float32, error) {
	if len(sequences) == 0 {
		return nil, errors.New("no sequences")
	}
	length := len(sequences[0])
	for _, seq := range sequences {
		if len(seq) != length || length == 0 {
			return nil, errors.New("sequences must share a non-zero length")
		}
	}

	ids, err := tf.NewTensor(sequences)
	if err != nil {
		return nil, err
	}
	embeds, err := d.embedsFor(len(sequences))
	if err != nil {
		return nil, err
	}

	output, err := d.model.model.Session.Run(
		map[tf.Output]*tf.Tensor{
			d.model.decoderIDs:    ids,
			d.model.decoderEmbeds: embeds,
		},
		[]tf.Output{
			d.model.decoderLogits,
		},
		nil)
	if err != nil {
		return nil, err
	}

	// [batch, sequence, vocabulary]; only the last position is needed
	logits, ok := output[0].Value().([][][]float32)
	if !ok || len(logits) != len(sequences) {
		return nil, fmt.Errorf("unexpected logits shape %v", output[0].Shape())
	}
	next := make([][]float32, len(logits))
	for i, l := range logits {
		if len(l) == 0 {
			return nil, fmt.Errorf("unexpected logits shape %v", output[0].Shape())
		}
		next[i] = l[len(l)-1]
	}
	return next, nil
}
