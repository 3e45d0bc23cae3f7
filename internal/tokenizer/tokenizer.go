package tokenizer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Special tokens every vocabulary must contain.
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

// Tokenizer defines the interface for text tokenization.
type Tokenizer interface {
	Tokenize(text string) ([]string, []int)
	Encode(text string) []int
	EncodeBatch(texts []string, seqLen int) ([][]int, [][]int, error)
	VocabSize() int
}

var _ Tokenizer = (*WordPieceTokenizer)(nil)

// WordPieceTokenizer implements the WordPiece tokenization algorithm.
type WordPieceTokenizer struct {
	vocab         map[string]int
	maxInputChars int
	neverSplit    []string

	padID, unkID, clsID, sepID int
}

// NewWordPieceTokenizer creates a new WordPieceTokenizer from a vocab file.
func NewWordPieceTokenizer(vocabPath string) (*WordPieceTokenizer, error) {
	file, err := os.Open(vocabPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return NewFromReader(file)
}

// NewFromReader reads a BERT-style vocab.txt, one token per line.
func NewFromReader(r io.Reader) (*WordPieceTokenizer, error) {
	vocab := make(map[string]int)
	scanner := bufio.NewScanner(r)
	index := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			vocab[line] = index
			index++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewFromVocab(vocab)
}

// NewFromVocab builds a tokenizer over an in-memory vocabulary.
func NewFromVocab(vocab map[string]int) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{
		vocab:         vocab,
		maxInputChars: 200,
		neverSplit:    []string{UnkToken, SepToken, PadToken, ClsToken, MaskToken},
	}
	for _, special := range []struct {
		token string
		id    *int
	}{
		{PadToken, &t.padID}, {UnkToken, &t.unkID}, {ClsToken, &t.clsID}, {SepToken, &t.sepID},
	} {
		id, ok := vocab[special.token]
		if !ok {
			return nil, fmt.Errorf("vocabulary is missing %s", special.token)
		}
		*special.id = id
	}
	return t, nil
}

// VocabSize returns the number of vocabulary entries.
func (t *WordPieceTokenizer) VocabSize() int {
	return len(t.vocab)
}

// isPunctuation checks if a rune is a punctuation character.
func isPunctuation(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// splitOnPunctuation splits text on whitespace and punctuation, keeping
// punctuation as separate tokens and special tokens whole.
func (t *WordPieceTokenizer) splitOnPunctuation(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(text); {
		if text[i] == '[' {
			if special := t.specialAt(text[i:]); special != "" {
				flush()
				tokens = append(tokens, special)
				i += len(special)
				continue
			}
		}

		r, size := rune(text[i]), 1
		if r >= 0x80 {
			r, size = utf8.DecodeRuneInString(text[i:])
		}
		switch {
		case isPunctuation(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r):
			flush()
		default:
			current.WriteRune(r)
		}
		i += size
	}
	flush()
	return tokens
}

func (t *WordPieceTokenizer) specialAt(s string) string {
	for _, ns := range t.neverSplit {
		if strings.HasPrefix(s, ns) {
			return ns
		}
	}
	return ""
}

// normalize lowercases and strips accents.
func normalize(token string) string {
	tform := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(tform, strings.ToLower(token))
	if err != nil {
		return strings.ToLower(token)
	}
	return out
}

// Tokenize implements the WordPiece algorithm.
func (t *WordPieceTokenizer) Tokenize(text string) ([]string, []int) {
	rawTokens := t.splitOnPunctuation(text)

	outputTokens := make([]string, 0, len(rawTokens)*2)
	outputIDs := make([]int, 0, len(rawTokens)*2)

	for _, token := range rawTokens {
		if id, ok := t.vocab[token]; ok && t.specialAt(token) == token {
			outputTokens = append(outputTokens, token)
			outputIDs = append(outputIDs, id)
			continue
		}

		normToken := normalize(token)
		if len(normToken) > t.maxInputChars {
			outputTokens = append(outputTokens, UnkToken)
			outputIDs = append(outputIDs, t.unkID)
			continue
		}

		subTokens, ok := t.wordPiece(normToken)
		if !ok {
			outputTokens = append(outputTokens, UnkToken)
			outputIDs = append(outputIDs, t.unkID)
			continue
		}
		for _, st := range subTokens {
			outputTokens = append(outputTokens, st)
			outputIDs = append(outputIDs, t.vocab[st])
		}
	}

	return outputTokens, outputIDs
}

// wordPiece greedily splits token into the longest vocabulary prefixes.
func (t *WordPieceTokenizer) wordPiece(token string) ([]string, bool) {
	var subTokens []string
	start := 0
	for start < len(token) {
		end := len(token)
		var cur string
		for start < end {
			substr := token[start:end]
			if start > 0 {
				substr = "##" + substr
			}
			if _, ok := t.vocab[substr]; ok {
				cur = substr
				break
			}
			end--
		}
		if cur == "" {
			return nil, false
		}
		subTokens = append(subTokens, cur)
		start = end
	}
	return subTokens, true
}

// Encode converts text into a slice of input IDs.
func (t *WordPieceTokenizer) Encode(text string) []int {
	_, ids := t.Tokenize(text)
	return ids
}

// EncodeBatch encodes every text as [CLS] tokens [SEP], truncated or padded
// with [PAD] to exactly seqLen, and returns the ids with a matching attention
// mask (1 for real tokens, 0 for padding).
func (t *WordPieceTokenizer) EncodeBatch(texts []string, seqLen int) ([][]int, [][]int, error) {
	if seqLen < 2 {
		return nil, nil, fmt.Errorf("sequence length %d cannot hold [CLS] and [SEP]", seqLen)
	}
	ids := make([][]int, len(texts))
	mask := make([][]int, len(texts))
	for i, text := range texts {
		body := t.Encode(text)
		if len(body) > seqLen-2 {
			body = body[:seqLen-2]
		}
		row := make([]int, seqLen)
		m := make([]int, seqLen)
		row[0] = t.clsID
		copy(row[1:], body)
		row[len(body)+1] = t.sepID
		for j := 0; j < len(body)+2; j++ {
			m[j] = 1
		}
		for j := len(body) + 2; j < seqLen; j++ {
			row[j] = t.padID
		}
		ids[i] = row
		mask[i] = m
	}
	return ids, mask, nil
}
