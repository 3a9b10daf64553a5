package tfrecord

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of tensorflow/core/example/{example,feature}.proto.
const (
	exampleFeatures protowire.Number = 1
	featuresFeature protowire.Number = 1
	mapKey          protowire.Number = 1
	mapValue        protowire.Number = 2
	featBytesList   protowire.Number = 1
	featFloatList   protowire.Number = 2
	featInt64List   protowire.Number = 3
	listValue       protowire.Number = 1
)

// Feature holds exactly one of the three list kinds of a tf.train.Feature.
type Feature struct {
	Bytes [][]byte
	Float []float32
	Int64 []int64
}

// Example is a decoded tf.train.Example.
type Example struct {
	Features map[string]Feature
}

// NewExample returns an empty Example ready to be filled.
func NewExample() *Example {
	return &Example{Features: make(map[string]Feature)}
}

// SetBytes stores a single-value bytes feature.
func (e *Example) SetBytes(key string, v []byte) {
	e.Features[key] = Feature{Bytes: [][]byte{v}}
}

// SetInt64 stores a single-value int64 feature.
func (e *Example) SetInt64(key string, v int64) {
	e.Features[key] = Feature{Int64: []int64{v}}
}

// Bytes returns the first bytes value of key, or nil when absent.
func (e *Example) Bytes(key string) []byte {
	f, ok := e.Features[key]
	if !ok || len(f.Bytes) == 0 {
		return nil
	}
	return f.Bytes[0]
}

// Int64 returns the first int64 value of key, or def when absent.
func (e *Example) Int64(key string, def int64) int64 {
	f, ok := e.Features[key]
	if !ok || len(f.Int64) == 0 {
		return def
	}
	return f.Int64[0]
}

// UnmarshalExample parses the wire form of a tf.train.Example.
func UnmarshalExample(b []byte) (*Example, error) {
	ex := NewExample()
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != exampleFeatures || typ != protowire.BytesType {
			return nil
		}
		return walk(v, func(num protowire.Number, typ protowire.Type, entry []byte) error {
			if num != featuresFeature || typ != protowire.BytesType {
				return nil
			}
			key, feat, err := parseMapEntry(entry)
			if err != nil {
				return err
			}
			ex.Features[key] = feat
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal example")
	}
	return ex, nil
}

// walk calls fn for every length-delimited field of a message and skips the
// rest.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v); err != nil {
				return err
			}
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func parseMapEntry(b []byte) (string, Feature, error) {
	var key string
	var feat Feature
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte) error {
		switch num {
		case mapKey:
			key = string(v)
		case mapValue:
			f, err := parseFeature(v)
			if err != nil {
				return errors.Wrapf(err, "feature %q", key)
			}
			feat = f
		}
		return nil
	})
	return key, feat, err
}

func parseFeature(b []byte) (Feature, error) {
	var feat Feature
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return feat, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return feat, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		list, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return feat, protowire.ParseError(m)
		}
		b = b[m:]

		var err error
		switch num {
		case featBytesList:
			err = walk(list, func(num protowire.Number, _ protowire.Type, v []byte) error {
				if num == listValue {
					feat.Bytes = append(feat.Bytes, append([]byte(nil), v...))
				}
				return nil
			})
		case featFloatList:
			feat.Float, err = parseFloats(list)
		case featInt64List:
			feat.Int64, err = parseInt64s(list)
		}
		if err != nil {
			return feat, err
		}
	}
	return feat, nil
}

// parseInt64s accepts both packed and unpacked encodings of a repeated int64.
func parseInt64s(b []byte) ([]int64, error) {
	var out []int64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == listValue && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			out = append(out, int64(v))
			b = b[m:]
		case num == listValue && typ == protowire.BytesType:
			packed, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			for len(packed) > 0 {
				v, k := protowire.ConsumeVarint(packed)
				if k < 0 {
					return nil, protowire.ParseError(k)
				}
				out = append(out, int64(v))
				packed = packed[k:]
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return out, nil
}

func parseFloats(b []byte) ([]float32, error) {
	var out []float32
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == listValue && typ == protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			out = append(out, math.Float32frombits(v))
			b = b[m:]
		case num == listValue && typ == protowire.BytesType:
			packed, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			if len(packed)%4 != 0 {
				return nil, errors.New("packed float list length not a multiple of 4")
			}
			for len(packed) > 0 {
				v, _ := protowire.ConsumeFixed32(packed)
				out = append(out, math.Float32frombits(v))
				packed = packed[4:]
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return out, nil
}

// Marshal encodes e in wire form. Keys are written in sorted order so the
// output is stable.
func (e *Example) Marshal() []byte {
	keys := make([]string, 0, len(e.Features))
	for k := range e.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var features []byte
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, mapKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, mapValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, marshalFeature(e.Features[k]))

		features = protowire.AppendTag(features, featuresFeature, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}

	var out []byte
	out = protowire.AppendTag(out, exampleFeatures, protowire.BytesType)
	out = protowire.AppendBytes(out, features)
	return out
}

func marshalFeature(f Feature) []byte {
	var list []byte
	var kind protowire.Number
	switch {
	case f.Bytes != nil:
		kind = featBytesList
		for _, v := range f.Bytes {
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, v)
		}
	case f.Float != nil:
		kind = featFloatList
		var packed []byte
		for _, v := range f.Float {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		list = protowire.AppendTag(list, listValue, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	default:
		kind = featInt64List
		var packed []byte
		for _, v := range f.Int64 {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		list = protowire.AppendTag(list, listValue, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	}

	var out []byte
	out = protowire.AppendTag(out, kind, protowire.BytesType)
	out = protowire.AppendBytes(out, list)
	return out
}
