package coordinator

import (
	"fmt"

	"github.com/ao-apps/aoserv-master/protocol"
)

// ResultKind is the secondary value type of a response.
type ResultKind int

const (
	ResultNone ResultKind = iota
	ResultCompressedInt
	ResultLong
	ResultShort
	ResultUTF
	ResultNullLongUTF
	ResultLongUTF
	ResultBoolean
	ResultAttributes
	ResultLongArray
	// ResultStreamed means the call already wrote its rows; only the
	// terminating status follows.
	ResultStreamed
)

// Attribute is one entry of an attribute bundle.
type Attribute struct {
	Name        string
	Value       *string
	Description string
}

// Result is the typed outcome of a call. At most one value field is set,
// selected by Kind; Aux holds up to two trailing strings.
type Result struct {
	Kind       ResultKind
	Int        int32
	Long       int64
	Short      int16
	String     string
	NullString *string
	Bool       bool
	Attributes []Attribute
	Longs      []int64
	Aux        []string
}

func None() Result                    { return Result{} }
func Streamed() Result                { return Result{Kind: ResultStreamed} }
func CompressedInt(v int32) Result    { return Result{Kind: ResultCompressedInt, Int: v} }
func Long(v int64) Result             { return Result{Kind: ResultLong, Long: v} }
func Short(v int16) Result            { return Result{Kind: ResultShort, Short: v} }
func UTF(v string) Result             { return Result{Kind: ResultUTF, String: v} }
func NullLongUTF(v *string) Result    { return Result{Kind: ResultNullLongUTF, NullString: v} }
func LongUTF(v string) Result         { return Result{Kind: ResultLongUTF, String: v} }
func Boolean(v bool) Result           { return Result{Kind: ResultBoolean, Bool: v} }
func Attributes(v []Attribute) Result { return Result{Kind: ResultAttributes, Attributes: v} }
func LongArray(v []int64) Result      { return Result{Kind: ResultLongArray, Longs: v} }

// WithAux appends auxiliary strings.
func (r Result) WithAux(aux ...string) Result {
	r.Aux = append(r.Aux, aux...)
	return r
}

// WriteTo writes the secondary value and auxiliary strings. The status byte
// is written by the caller.
func (r Result) WriteTo(out *protocol.Writer) error {
	if len(r.Aux) > 2 {
		return fmt.Errorf("result has %d auxiliary strings, at most 2 allowed", len(r.Aux))
	}

	var err error
	switch r.Kind {
	case ResultNone, ResultStreamed:
	case ResultCompressedInt:
		err = out.WriteCompressedInt(r.Int)
	case ResultLong:
		err = out.WriteLong(r.Long)
	case ResultShort:
		err = out.WriteShort(r.Short)
	case ResultUTF:
		err = out.WriteUTF(r.String)
	case ResultNullLongUTF:
		err = out.WriteNullLongUTF(r.NullString)
	case ResultLongUTF:
		err = out.WriteLongUTF(r.String)
	case ResultBoolean:
		err = out.WriteBoolean(r.Bool)
	case ResultAttributes:
		err = writeAttributes(out, r.Attributes)
	case ResultLongArray:
		err = writeLongs(out, r.Longs)
	default:
		err = fmt.Errorf("unknown result kind %d", r.Kind)
	}
	if err != nil {
		return err
	}

	for _, s := range r.Aux {
		if err := out.WriteUTF(s); err != nil {
			return err
		}
	}
	return nil
}

func writeAttributes(out *protocol.Writer, attrs []Attribute) error {
	if err := out.WriteCompressedInt(int32(len(attrs))); err != nil {
		return err
	}
	for _, a := range attrs {
		if err := out.WriteUTF(a.Name); err != nil {
			return err
		}
		if err := out.WriteNullUTF(a.Value); err != nil {
			return err
		}
		if err := out.WriteUTF(a.Description); err != nil {
			return err
		}
	}
	return nil
}

func writeLongs(out *protocol.Writer, vs []int64) error {
	if err := out.WriteCompressedInt(int32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := out.WriteLong(v); err != nil {
			return err
		}
	}
	return nil
}
