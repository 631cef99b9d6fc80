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

// Tokenizer turns prompts into token ids and generated ids back into text.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	VocabSize() int
}

// WordPiece implements greedy longest-match WordPiece over a BERT-style vocab.
type WordPiece struct {
	vocab         map[string]int
	inv           []string
	maxInputChars int
	unkToken      string
	neverSplit    []string
}

// NewWordPiece reads one token per line; the line number is the id.
func NewWordPiece(r io.Reader) (*WordPiece, error) {
	t := &WordPiece{
		vocab:         make(map[string]int),
		maxInputChars: 200,
		unkToken:      "[UNK]",
		neverSplit:    []string{"[UNK]", "[SEP]", "[PAD]", "[CLS]", "[MASK]"},
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.vocab[line] = len(t.inv)
		t.inv = append(t.inv, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	if len(t.inv) == 0 {
		return nil, fmt.Errorf("read vocab: empty")
	}
	return t, nil
}

func NewWordPieceFile(path string) (*WordPiece, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return NewWordPiece(file)
}

func (t *WordPiece) VocabSize() int { return len(t.inv) }

var asciiPunct [128]bool

func init() {
	for i := 33; i < 127; i++ {
		if (i <= 47) || (i >= 58 && i <= 64) || (i >= 91 && i <= 96) || i >= 123 {
			asciiPunct[i] = true
		}
	}
}

func isPunctuation(r rune) bool {
	if r < 128 {
		return asciiPunct[r]
	}
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// split cuts text on whitespace and punctuation, keeping punctuation and special
// tokens as words of their own.
func (t *WordPiece) split(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(text); {
		if text[i] == '[' {
			if ns := t.specialAt(text[i:]); ns != "" {
				flush()
				words = append(words, ns)
				i += len(ns)
				continue
			}
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case unicode.IsSpace(r):
			flush()
		case isPunctuation(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
		i += size
	}
	flush()
	return words
}

func (t *WordPiece) specialAt(s string) string {
	for _, ns := range t.neverSplit {
		if strings.HasPrefix(s, ns) {
			return ns
		}
	}
	return ""
}

var fold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Tokenize returns the word pieces of text and their ids.
func (t *WordPiece) Tokenize(text string) ([]string, []int) {
	words := t.split(text)
	pieces := make([]string, 0, len(words)*2)
	ids := make([]int, 0, len(words)*2)
	emit := func(p string) {
		pieces = append(pieces, p)
		ids = append(ids, t.vocab[p])
	}

	for _, w := range words {
		if t.specialAt(w) == w {
			if _, ok := t.vocab[w]; ok {
				emit(w)
				continue
			}
		}
		w, _, _ = transform.String(fold, strings.ToLower(w))
		if len(w) > t.maxInputChars {
			emit(t.unkToken)
			continue
		}

		var sub []string
		for start := 0; start < len(w); {
			match := ""
			end := len(w)
			for ; start < end; end-- {
				s := w[start:end]
				if start > 0 {
					s = "##" + s
				}
				if _, ok := t.vocab[s]; ok {
					match = s
					break
				}
			}
			if match == "" {
				sub = nil
				break
			}
			sub = append(sub, match)
			start = end
		}
		if sub == nil {
			emit(t.unkToken)
			continue
		}
		for _, s := range sub {
			emit(s)
		}
	}
	return pieces, ids
}

func (t *WordPiece) Encode(text string) []int {
	_, ids := t.Tokenize(text)
	return ids
}

// Decode joins pieces with spaces, gluing "##" continuations to the previous piece.
// Unknown ids render as the unknown token.
func (t *WordPiece) Decode(ids []int) string {
	var b strings.Builder
	for i, id := range ids {
		p := t.unkToken
		if id >= 0 && id < len(t.inv) {
			p = t.inv[id]
		}
		if cont, ok := strings.CutPrefix(p, "##"); ok && i > 0 {
			b.WriteString(cont)
			continue
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

// Bytes maps each UTF-8 byte to its value. It needs a vocabulary of at least 256.
type Bytes struct{}

func (Bytes) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids
}

func (Bytes) Decode(ids []int) string {
	out := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			out = append(out, byte(id))
		}
	}
	return string(out)
}

func (Bytes) VocabSize() int { return 256 }
