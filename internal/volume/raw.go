package volume

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// readSamples decodes n samples of typ from r into float64.
func readSamples(r io.Reader, order binary.ByteOrder, typ DataType, n int) ([]float64, error) {
	size := typ.Bits() / 8
	buf := make([]byte, n*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read %d %s samples: %w", n, typ, err)
	}
	out := make([]float64, n)
	for i := range out {
		b := buf[i*size : (i+1)*size]
		switch typ {
		case Uint8:
			out[i] = float64(b[0])
		case Int8:
			out[i] = float64(int8(b[0]))
		case Uint16:
			out[i] = float64(order.Uint16(b))
		case Int16:
			out[i] = float64(int16(order.Uint16(b)))
		case Uint32:
			out[i] = float64(order.Uint32(b))
		case Int32:
			out[i] = float64(int32(order.Uint32(b)))
		case Float32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case Float64:
			out[i] = math.Float64frombits(order.Uint64(b))
		default:
			return nil, fmt.Errorf("unsupported data type %s", typ)
		}
	}
	return out, nil
}

// writeSamples encodes data as typ, rounding and clamping integers.
func writeSamples(w io.Writer, order binary.ByteOrder, typ DataType, data []float64) error {
	size := typ.Bits() / 8
	buf := make([]byte, len(data)*size)
	for i, v := range data {
		v = typ.Quantize(v)
		b := buf[i*size : (i+1)*size]
		switch typ {
		case Uint8:
			b[0] = uint8(v)
		case Int8:
			b[0] = uint8(int8(v))
		case Uint16:
			order.PutUint16(b, uint16(v))
		case Int16:
			order.PutUint16(b, uint16(int16(v)))
		case Uint32:
			order.PutUint32(b, uint32(v))
		case Int32:
			order.PutUint32(b, uint32(int32(v)))
		case Float32:
			order.PutUint32(b, math.Float32bits(float32(v)))
		case Float64:
			order.PutUint64(b, math.Float64bits(v))
		default:
			return fmt.Errorf("unsupported data type %s", typ)
		}
	}
	_, err := w.Write(buf)
	return err
}
