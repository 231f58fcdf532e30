package transform

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"seqreg/internal/volume"
)

// Encode writes t in the .trsf layout: a parenthesised O8 text matrix for
// linear transforms, an INRIMAGE-4 vector image for dense ones. Endpoint tags
// are not stored; they are implied by the artifact name.
func Encode(w io.Writer, t Transform) error {
	if t.Kind == Dense {
		return volume.EncodeINR(w, t.Field)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "(")
	fmt.Fprintln(bw, "O8")
	for i := 0; i < 4; i++ {
		row := make([]string, 4)
		for j := 0; j < 4; j++ {
			row[j] = strconv.FormatFloat(t.Matrix.At(i, j), 'f', 15, 64)
		}
		fmt.Fprintln(bw, strings.Join(row, " "))
	}
	fmt.Fprintln(bw, ")")
	return bw.Flush()
}

// Decode reads a .trsf stream written by Encode or by the vt tools.
func Decode(r io.Reader, source, target int) (Transform, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(9)
	if volume.IsINR(head) {
		field, err := volume.DecodeINR(br)
		if err != nil {
			return Transform{}, fmt.Errorf("dense trsf: %w", err)
		}
		return NewDense(source, target, field)
	}

	var vals []float64
	sc := bufio.NewScanner(br)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		tok := sc.Text()
		switch tok {
		case "(", ")", "O8", "O4":
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return Transform{}, fmt.Errorf("%w: token %q", ErrMalformed, tok)
		}
		vals = append(vals, v)
	}
	if err := sc.Err(); err != nil {
		return Transform{}, err
	}
	if len(vals) != 16 {
		return Transform{}, fmt.Errorf("%w: %d matrix values, want 16", ErrMalformed, len(vals))
	}
	return NewLinear(source, target, mat.NewDense(4, 4, vals))
}
