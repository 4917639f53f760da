package captioner

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
)

// Decoder produces next-token logits for a batch of token sequences.
// The returned slice has one row of vocabulary logits per input sequence.
type Decoder interface {
	NextLogits(ctx context.Context, sequences [][]int32) ([][]float32, error)
}

// SearchOptions configure a single beam search run.
type SearchOptions struct {
	MaxNewTokens int
	NumBeams     int
	DecodingOptions

	StartTokens []int32
	EOSTokenID  int32
}

type beam struct {
	tokens []int32
	score  float64
}

type candidate struct {
	beam  int
	token int32
	score float64
	order int
}

// worse orders candidates by score. On equal scores the one offered later
// loses, which gives the same ranking as a stable sort.
func worse(a, b candidate) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.order > b.order
}

// topCandidates keeps the k best candidates offered to it in a min-heap
// whose root is the worst one kept.
type topCandidates struct {
	k     int
	items []candidate
}

func newTopCandidates(k int) *topCandidates {
	return &topCandidates{k: k, items: make([]candidate, 0, k)}
}

func (t *topCandidates) Len() int           { return len(t.items) }
func (t *topCandidates) Less(i, j int) bool { return worse(t.items[i], t.items[j]) }
func (t *topCandidates) Swap(i, j int)      { t.items[i], t.items[j] = t.items[j], t.items[i] }
func (t *topCandidates) Push(x any)         { t.items = append(t.items, x.(candidate)) }

func (t *topCandidates) Pop() any {
	last := t.items[len(t.items)-1]
	t.items = t.items[:len(t.items)-1]
	return last
}

func (t *topCandidates) offer(c candidate) {
	if len(t.items) < t.k {
		heap.Push(t, c)
		return
	}
	if worse(t.items[0], c) {
		t.items[0] = c
		heap.Fix(t, 0)
	}
}

// sorted returns the kept candidates best first.
func (t *topCandidates) sorted() []candidate {
	out := append([]candidate(nil), t.items...)
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })
	return out
}

type hypothesis struct {
	tokens []int32
	score  float64
}

// hypotheses keeps the best NumBeams finished sequences.
type hypotheses struct {
	numBeams      int
	lengthPenalty float64
	earlyStopping bool
	items         []hypothesis
	worst         float64
}

func newHypotheses(numBeams int, lengthPenalty float64, earlyStopping bool) *hypotheses {
	return &hypotheses{
		numBeams:      numBeams,
		lengthPenalty: lengthPenalty,
		earlyStopping: earlyStopping,
		worst:         math.Inf(1),
	}
}

func (h *hypotheses) normalize(sumLogProbs float64, length int) float64 {
	if length < 1 {
		length = 1
	}
	return sumLogProbs / math.Pow(float64(length), h.lengthPenalty)
}

func (h *hypotheses) add(tokens []int32, sumLogProbs float64, length int) {
	score := h.normalize(sumLogProbs, length)
	if len(h.items) >= h.numBeams && score <= h.worst {
		return
	}
	h.items = append(h.items, hypothesis{tokens: tokens, score: score})
	if len(h.items) > h.numBeams {
		worstIdx := 0
		for i, it := range h.items {
			if it.score < h.items[worstIdx].score {
				worstIdx = i
			}
		}
		h.items = append(h.items[:worstIdx], h.items[worstIdx+1:]...)
	}
	h.worst = math.Inf(1)
	for _, it := range h.items {
		h.worst = math.Min(h.worst, it.score)
	}
}

// done reports whether no running beam can still beat the finished ones.
func (h *hypotheses) done(bestRunning float64, length int) bool {
	if len(h.items) < h.numBeams {
		return false
	}
	if h.earlyStopping {
		return true
	}
	return h.worst >= h.normalize(bestRunning, length)
}

func (h *hypotheses) best() (hypothesis, bool) {
	if len(h.items) == 0 {
		return hypothesis{}, false
	}
	best := h.items[0]
	for _, it := range h.items[1:] {
		if it.score > best.score {
			best = it
		}
	}
	return best, true
}

// BeamSearch runs constrained beam search and returns the generated tokens of
// the best hypothesis, without the start tokens and without end-of-sequence.
func BeamSearch(ctx context.Context, dec Decoder, opts SearchOptions) ([]int32, error) {
	if opts.MaxNewTokens < 1 || opts.NumBeams < 1 {
		return nil, fmt.Errorf("%w: max new tokens %d, beams %d", ErrInvalidParams, opts.MaxNewTokens, opts.NumBeams)
	}
	if len(opts.StartTokens) == 0 {
		return nil, fmt.Errorf("%w: no start tokens", ErrInferenceFailed)
	}

	prompt := len(opts.StartTokens)
	beams := []beam{{tokens: append([]int32(nil), opts.StartTokens...)}}
	hyps := newHypotheses(opts.NumBeams, opts.LengthPenalty, opts.EarlyStopping)
	finished := false

	for step := 0; step < opts.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sequences := make([][]int32, len(beams))
		for i, b := range beams {
			sequences[i] = b.tokens
		}
		logits, err := dec.NextLogits(ctx, sequences)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
		}
		if len(logits) != len(beams) {
			return nil, fmt.Errorf("%w: decoder returned %d rows for %d beams", ErrInferenceFailed, len(logits), len(beams))
		}

		top := newTopCandidates(2 * opts.NumBeams)
		order := 0
		for i, b := range beams {
			if len(logits[i]) == 0 {
				return nil, fmt.Errorf("%w: empty logits", ErrInferenceFailed)
			}
			scores := logSoftmax(logits[i])
			applyRepetitionPenalty(scores, b.tokens, opts.RepetitionPenalty)
			banRepeatedNgrams(scores, b.tokens, opts.NoRepeatNgramSize)
			for tok, s := range scores {
				if math.IsInf(s, -1) || math.IsNaN(s) {
					continue
				}
				top.offer(candidate{beam: i, token: int32(tok), score: b.score + s, order: order})
				order++
			}
		}
		if top.Len() == 0 {
			break
		}
		cands := top.sorted()

		generated := step + 1
		var next []beam
		for rank, c := range cands {
			parent := beams[c.beam].tokens
			if c.token == opts.EOSTokenID {
				if rank >= opts.NumBeams {
					continue
				}
				hyps.add(parent[prompt:], c.score, generated)
				continue
			}
			tokens := make([]int32, len(parent)+1)
			copy(tokens, parent)
			tokens[len(parent)] = c.token
			next = append(next, beam{tokens: tokens, score: c.score})
			if len(next) == opts.NumBeams {
				break
			}
		}

		if len(next) == 0 {
			beams = nil
			break
		}
		beams = next
		if hyps.done(beams[0].score, generated) {
			finished = true
			break
		}
	}

	if !finished {
		for _, b := range beams {
			hyps.add(b.tokens[prompt:], b.score, len(b.tokens)-prompt)
		}
	}

	best, ok := hyps.best()
	if !ok {
		return nil, fmt.Errorf("%w: no sequence generated", ErrInferenceFailed)
	}
	return best.tokens, nil
}

func logSoftmax(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l) - maxLogit)
	}
	logSum := maxLogit + math.Log(sum)
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = float64(l) - logSum
	}
	return out
}

// applyRepetitionPenalty lowers the score of every token already present in seq.
func applyRepetitionPenalty(scores []float64, seq []int32, penalty float64) {
	if penalty == 0 || penalty == 1 {
		return
	}
	seen := make(map[int32]struct{}, len(seq))
	for _, tok := range seq {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		if int(tok) < 0 || int(tok) >= len(scores) {
			continue
		}
		if scores[tok] < 0 {
			scores[tok] *= penalty
		} else {
			scores[tok] /= penalty
		}
	}
}

// banRepeatedNgrams forbids every token that would complete an n-gram already in seq.
func banRepeatedNgrams(scores []float64, seq []int32, n int) {
	if n <= 0 || len(seq)+1 < n {
		return
	}
	prefix := seq[len(seq)-(n-1):]
	for start := 0; start+n <= len(seq); start++ {
		match := true
		for k := 0; k < n-1; k++ {
			if seq[start+k] != prefix[k] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		tok := seq[start+n-1]
		if int(tok) >= 0 && int(tok) < len(scores) {
			scores[tok] = math.Inf(-1)
		}
	}
}
